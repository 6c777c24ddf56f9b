package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// maxLineBytes caps a single notification line read from the backend.
const maxLineBytes = 4 * 1024 * 1024

// ErrMalformed wraps notification lines that are not valid JSON messages.
// The decoder stays usable after returning it.
var ErrMalformed = errors.New("malformed notification")

// EncodeExecute serializes req as a single JSON line and writes it to w.
func EncodeExecute(w io.Writer, req *ExecuteRequest) error {
	if req.Protocol != Version {
		return fmt.Errorf("unsupported protocol version: %d", req.Protocol)
	}

	encoder := json.NewEncoder(w)
	if err := encoder.Encode(req); err != nil {
		return fmt.Errorf("failed to encode execute request: %w", err)
	}
	return nil
}

// Decoder reads newline-delimited notifications.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next notification. Blank lines are skipped. It returns
// io.EOF at the end of the stream and an error wrapping ErrMalformed for a
// line that does not decode, has no msg_type or is longer than
// maxLineBytes. Oversized lines are consumed up to their newline.
func (d *Decoder) Next() (Message, error) {
	for {
		raw, oversized, err := d.readLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Message{}, io.EOF
			}
			return Message{}, fmt.Errorf("read notification: %w", err)
		}
		if oversized {
			return Message{}, fmt.Errorf("%w: line exceeds %d bytes", ErrMalformed, maxLineBytes)
		}

		line := strings.TrimSpace(string(raw))
		if line == "" {
			continue
		}

		var msg Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if msg.Kind() == "" {
			return Message{}, fmt.Errorf("%w: missing msg_type", ErrMalformed)
		}
		return msg, nil
	}
}

// readLine returns one line without buffering more than maxLineBytes of it.
// A final line without a newline is returned before io.EOF.
func (d *Decoder) readLine() (line []byte, oversized bool, err error) {
	for {
		chunk, err := d.r.ReadSlice('\n')
		if !oversized {
			if len(line)+len(chunk) > maxLineBytes {
				oversized = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}
		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && (len(line) > 0 || oversized):
			return line, oversized, nil
		case err != nil:
			return nil, false, err
		}
		return line, oversized, nil
	}
}

// ParseMessage converts an untyped key/value notification into a Message.
// The boolean is false when no msg_type can be found.
func ParseMessage(raw map[string]any) (Message, bool) {
	var msg Message
	if h, ok := raw["header"].(map[string]any); ok {
		msg.Header.MsgType, _ = h["msg_type"].(string)
		msg.Header.MsgID, _ = h["msg_id"].(string)
	}
	msg.MsgType, _ = raw["msg_type"].(string)
	if c, ok := raw["content"].(map[string]any); ok {
		msg.Content.ExecutionState, _ = c["execution_state"].(string)
		msg.Content.Ename, _ = c["ename"].(string)
		msg.Content.Evalue, _ = c["evalue"].(string)
		msg.Content.Code, _ = c["code"].(string)
	}
	if msg.Kind() == "" {
		return Message{}, false
	}
	return msg, true
}
