package protocol

// Version is the execute-request envelope version written to the backend.
const Version = 1

// Notification kinds carried in msg_type.
const (
	KindStatus        = "status"
	KindError         = "error"
	KindExecuteInput  = "execute_input"
	KindStream        = "stream"
	KindExecuteResult = "execute_result"
	KindDisplayData   = "display_data"
)

// Execution states carried by status notifications.
const (
	StateIdle     = "idle"
	StateBusy     = "busy"
	StateStarting = "starting"
)

// ExecuteRequest is the envelope written to the backend's stdin, one per line.
type ExecuteRequest struct {
	Protocol int    `json:"protocol"`
	ID       string `json:"id,omitempty"`
	Code     string `json:"code"`
	Silent   bool   `json:"silent"`
}

// Header is the message header. Only msg_type is required.
type Header struct {
	MsgID   string `json:"msg_id,omitempty"`
	MsgType string `json:"msg_type"`
}

// Message is a notification read from the backend. Both the nested header
// form and a flat top-level msg_type are accepted.
type Message struct {
	Header  Header  `json:"header"`
	MsgType string  `json:"msg_type,omitempty"`
	Content Content `json:"content"`
}

// Content carries the fields the dispatcher cares about plus a few that are
// useful in logs. Unknown fields are ignored.
type Content struct {
	ExecutionState string   `json:"execution_state,omitempty"`
	Ename          string   `json:"ename,omitempty"`
	Evalue         string   `json:"evalue,omitempty"`
	Traceback      []string `json:"traceback,omitempty"`
	Code           string   `json:"code,omitempty"`
	ExecutionCount int      `json:"execution_count,omitempty"`
	Name           string   `json:"name,omitempty"`
	Text           string   `json:"text,omitempty"`
}

// Kind returns the message type, preferring the header.
func (m Message) Kind() string {
	if m.Header.MsgType != "" {
		return m.Header.MsgType
	}
	return m.MsgType
}
