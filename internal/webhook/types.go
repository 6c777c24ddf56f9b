package webhook

// Submitter is the slice of the session a webhook needs.
type Submitter interface {
	Submit(code string, hidden bool) error
	RunAll(cells []string) (int, error)
}

// Config holds webhook server configuration.
type Config struct {
	Listen    string
	Endpoints []EndpointConfig
}

// EndpointConfig defines a single signed trigger endpoint.
type EndpointConfig struct {
	// Path is the URL path for this webhook (e.g., "/hooks/nightly")
	Path string

	// Secret is the HMAC secret for signature verification
	Secret string

	// SignatureHeader is the HTTP header carrying the HMAC signature
	SignatureHeader string

	// MaxBodySize is the maximum allowed request body size in bytes
	MaxBodySize int64

	// Hidden marks single-cell submissions as hidden (no execution count).
	Hidden bool
}

// TriggerRequest is the body of a webhook call. Cells, when present, is run
// as one bracketed batch; otherwise Code is submitted as a single cell.
type TriggerRequest struct {
	Code  string   `json:"code,omitempty"`
	Cells []string `json:"cells,omitempty"`
}

// TriggerResponse is the JSON response for accepted webhook calls.
type TriggerResponse struct {
	Queued int `json:"queued"`
}

// ErrorResponse is the JSON response for webhook errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Default values
const (
	DefaultMaxBodySize     = 1048576 // 1 MB
	DefaultSignatureHeader = "X-Cellgate-Signature-256"
)
