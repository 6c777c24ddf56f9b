// Command echo-kernel is a tiny line-protocol kernel for demos and end-to-end
// tests. It understands a handful of statement forms:
//
//	print(<anything>)   emits <anything> on stdout
//	sleep(<seconds>)    blocks for the given time
//	raise Name(<text>)  fails with ename Name and evalue <text>
//
// Every other line is accepted and ignored.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/cellgate/internal/protocol"
)

var (
	printRe = regexp.MustCompile(`^print\((.*)\)$`)
	sleepRe = regexp.MustCompile(`^(?:time\.)?sleep\(([0-9.]+)\)$`)
	raiseRe = regexp.MustCompile(`^raise\s+([A-Za-z_][A-Za-z0-9_]*)(?:\((.*)\))?$`)
)

type kernel struct {
	enc   *json.Encoder
	count int
	sleep func(time.Duration)
}

func main() {
	if err := run(os.Stdin, os.Stdout, time.Sleep); err != nil {
		fmt.Fprintf(os.Stderr, "echo-kernel: %v\n", err)
		os.Exit(1)
	}
}

func run(in io.Reader, out io.Writer, sleep func(time.Duration)) error {
	k := &kernel{enc: json.NewEncoder(out), sleep: sleep}
	if err := k.status(protocol.StateStarting); err != nil {
		return err
	}
	if err := k.status(protocol.StateIdle); err != nil {
		return err
	}

	dec := json.NewDecoder(in)
	for {
		var req protocol.ExecuteRequest
		if err := dec.Decode(&req); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("invalid request JSON: %w", err)
		}
		if err := k.execute(req); err != nil {
			return err
		}
	}
}

func (k *kernel) execute(req protocol.ExecuteRequest) error {
	if err := k.status(protocol.StateBusy); err != nil {
		return err
	}
	if !req.Silent {
		k.count++
	}
	if err := k.emit(protocol.KindExecuteInput, protocol.Content{Code: req.Code, ExecutionCount: k.count}); err != nil {
		return err
	}

	for _, msg := range k.evaluate(req.Code) {
		if err := k.emit(msg.Header.MsgType, msg.Content); err != nil {
			return err
		}
		if msg.Header.MsgType == protocol.KindError {
			break
		}
	}
	return k.status(protocol.StateIdle)
}

// evaluate runs code line by line and returns the output notifications. An
// error notification ends the list.
func (k *kernel) evaluate(code string) []protocol.Message {
	var out []protocol.Message
	for _, line := range strings.Split(code, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "" || strings.HasPrefix(line, "#"):
		case printRe.MatchString(line):
			text := unquote(printRe.FindStringSubmatch(line)[1])
			out = append(out, message(protocol.KindStream, protocol.Content{Name: "stdout", Text: text + "\n"}))
		case sleepRe.MatchString(line):
			secs, err := strconv.ParseFloat(sleepRe.FindStringSubmatch(line)[1], 64)
			if err == nil {
				k.sleep(time.Duration(secs * float64(time.Second)))
			}
		case raiseRe.MatchString(line):
			m := raiseRe.FindStringSubmatch(line)
			return append(out, message(protocol.KindError, protocol.Content{
				Ename:     m[1],
				Evalue:    unquote(m[2]),
				Traceback: []string{fmt.Sprintf("%s: %s", m[1], unquote(m[2]))},
			}))
		}
	}
	return out
}

func (k *kernel) status(state string) error {
	return k.emit(protocol.KindStatus, protocol.Content{ExecutionState: state})
}

func (k *kernel) emit(kind string, content protocol.Content) error {
	msg := message(kind, content)
	if err := k.enc.Encode(msg); err != nil {
		return fmt.Errorf("write %s: %w", kind, err)
	}
	return nil
}

func message(kind string, content protocol.Content) protocol.Message {
	return protocol.Message{
		Header:  protocol.Header{MsgID: uuid.NewString(), MsgType: kind},
		Content: content,
	}
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}
