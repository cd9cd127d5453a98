// Package cli parses prompter's argv into one command and renders help text.
package cli

import (
	"errors"
	"fmt"
	"strings"
)

type Command string

const (
	CommandDaemon  Command = "daemon"
	CommandToggle  Command = "toggle"
	CommandStart   Command = "start"
	CommandStop    Command = "stop"
	CommandCancel  Command = "cancel"
	CommandStatus  Command = "status"
	CommandSubmit  Command = "submit"
	CommandDeliver Command = "deliver"
	CommandDevices Command = "devices"
	CommandDoctor  Command = "doctor"
	CommandServe   Command = "serve"
	CommandVersion Command = "version"
	CommandHelp    Command = "help"
)

var validCommands = map[Command]struct{}{
	CommandDaemon:  {},
	CommandToggle:  {},
	CommandStart:   {},
	CommandStop:    {},
	CommandCancel:  {},
	CommandStatus:  {},
	CommandSubmit:  {},
	CommandDeliver: {},
	CommandDevices: {},
	CommandDoctor:  {},
	CommandServe:   {},
	CommandVersion: {},
	CommandHelp:    {},
}

// commandArgs lists commands that take exactly one positional argument.
var commandArgs = map[Command]string{
	CommandSubmit: "PATH",
}

type Parsed struct {
	Command    Command
	ConfigPath string
	Path       string
	ShowHelp   bool
}

func Parse(args []string) (Parsed, error) {
	parsed := Parsed{Command: CommandHelp, ShowHelp: true}

	for i := 0; i < len(args); i++ {
		arg := args[i]

		switch arg {
		case "-h", "--help":
			parsed.ShowHelp = true
			parsed.Command = CommandHelp
		case "--version":
			parsed.ShowHelp = false
			parsed.Command = CommandVersion
		case "--config":
			i++
			if i >= len(args) {
				return Parsed{}, errors.New("--config requires a path")
			}
			parsed.ConfigPath = args[i]
		default:
			if strings.HasPrefix(arg, "-") {
				return Parsed{}, fmt.Errorf("unknown flag: %s", arg)
			}

			cmd := Command(arg)
			if _, ok := validCommands[cmd]; !ok {
				return Parsed{}, fmt.Errorf("unknown command: %s", arg)
			}

			parsed.Command = cmd
			parsed.ShowHelp = cmd == CommandHelp

			rest := args[i+1:]
			if name, ok := commandArgs[cmd]; ok {
				if len(rest) != 1 || strings.TrimSpace(rest[0]) == "" {
					return Parsed{}, fmt.Errorf("%s requires exactly one %s argument", arg, name)
				}
				parsed.Path = rest[0]
				return parsed, nil
			}
			if len(rest) != 0 {
				return Parsed{}, fmt.Errorf("unexpected arguments after command %q", arg)
			}
			return parsed, nil
		}
	}

	return parsed, nil
}

func HelpText(binaryName string) string {
	return fmt.Sprintf(`Usage:
  %[1]s [--config PATH] <command>

Commands:
  daemon        Own the session and serve commands until interrupted
  toggle        Start recording, or stop and submit when already recording
  start         Start recording
  stop          Stop recording and submit the audio for advice
  cancel        Cancel the active recording without submitting
  status        Print current state, last transcription, and advice
  submit PATH   Submit an existing audio file instead of recording
  deliver       Release advice held by the trigger delivery policy
  devices       List available input devices
  doctor        Run configuration and environment checks
  serve         Run the companion backend (requires OPENAI_API_KEY)
  version       Print version information
  help          Show this help

Flags:
  --config PATH   Config file path (default: $XDG_CONFIG_HOME/prompter/config.jsonc)
  -h, --help      Show help
  --version       Show version

Environment:
  PROMPTER_API_URL     Advice service base address (default: http://localhost:8000)
  PROMPTER_LOG_LEVEL   debug, info, warn, or error
  OPENAI_API_KEY       Used by the openai speech backend and by serve
  SENTRY_DSN           Enables error reporting
`, binaryName)
}
