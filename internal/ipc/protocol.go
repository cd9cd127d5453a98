package ipc

// Request is one newline-delimited JSON command sent to the session owner.
type Request struct {
	Command string `json:"command"`
	Path    string `json:"path,omitempty"`
}

// Response is the owner's reply to one Request.
type Response struct {
	OK      bool      `json:"ok"`
	State   string    `json:"state,omitempty"`
	Message string    `json:"message,omitempty"`
	Error   string    `json:"error,omitempty"`
	Session *Snapshot `json:"session,omitempty"`
}

// Snapshot mirrors the session state projection shown to presentation layers.
type Snapshot struct {
	Recording     bool   `json:"recording"`
	Loading       bool   `json:"loading"`
	Error         string `json:"error,omitempty"`
	Transcription string `json:"transcription,omitempty"`
	Advice        string `json:"advice,omitempty"`
}
