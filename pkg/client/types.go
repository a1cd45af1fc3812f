package client

// Reply is the outcome of a command as reported by the control API.
// Kind is one of "ok", "info", "failure" or "rejected".
type Reply struct {
	Kind     string    `json:"kind"`
	Text     string    `json:"text"`
	Document *Document `json:"-"`
}

// Document is the log attachment returned by FetchLog.
type Document struct {
	Name    string
	Caption string
	Data    []byte
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
