package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/cellgate/internal/protocol"
)

func runKernel(t *testing.T, requests ...protocol.ExecuteRequest) ([]protocol.Message, []time.Duration) {
	t.Helper()
	var in bytes.Buffer
	for _, req := range requests {
		req.Protocol = protocol.Version
		if err := protocol.EncodeExecute(&in, &req); err != nil {
			t.Fatal(err)
		}
	}

	var slept []time.Duration
	var out bytes.Buffer
	if err := run(&in, &out, func(d time.Duration) { slept = append(slept, d) }); err != nil {
		t.Fatalf("run: %v", err)
	}

	dec := protocol.NewDecoder(&out)
	var msgs []protocol.Message
	for {
		msg, err := dec.Next()
		if err != nil {
			break
		}
		msgs = append(msgs, msg)
	}
	return msgs, slept
}

func kinds(msgs []protocol.Message) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Kind() == protocol.KindStatus {
			parts = append(parts, m.Content.ExecutionState)
			continue
		}
		parts = append(parts, m.Kind())
	}
	return strings.Join(parts, ",")
}

func TestStartupAnnouncesIdle(t *testing.T) {
	msgs, _ := runKernel(t)
	if got := kinds(msgs); got != "starting,idle" {
		t.Fatalf("startup = %s", got)
	}
}

func TestPrintEmitsStream(t *testing.T) {
	msgs, _ := runKernel(t, protocol.ExecuteRequest{Code: "print(1)\nprint('two')"})
	if got := kinds(msgs); got != "starting,idle,busy,execute_input,stream,stream,idle" {
		t.Fatalf("sequence = %s", got)
	}
	if msgs[4].Content.Text != "1\n" || msgs[5].Content.Text != "two\n" {
		t.Fatalf("stream text = %q, %q", msgs[4].Content.Text, msgs[5].Content.Text)
	}
	if msgs[3].Content.ExecutionCount != 1 || msgs[3].Content.Code != "print(1)\nprint('two')" {
		t.Fatalf("execute_input = %+v", msgs[3].Content)
	}
}

func TestRaiseStopsCell(t *testing.T) {
	msgs, _ := runKernel(t, protocol.ExecuteRequest{Code: "print(1)\nraise ValueError(\"bad\")\nprint(2)"})
	if got := kinds(msgs); got != "starting,idle,busy,execute_input,stream,error,idle" {
		t.Fatalf("sequence = %s", got)
	}
	errMsg := msgs[5]
	if errMsg.Content.Ename != "ValueError" || errMsg.Content.Evalue != "bad" {
		t.Fatalf("error content = %+v", errMsg.Content)
	}
}

func TestSleepAndSilentCount(t *testing.T) {
	msgs, slept := runKernel(t,
		protocol.ExecuteRequest{Code: "time.sleep(0.25)"},
		protocol.ExecuteRequest{Code: "# marker", Silent: true},
		protocol.ExecuteRequest{Code: "sleep(1)"},
	)
	if len(slept) != 2 || slept[0] != 250*time.Millisecond || slept[1] != time.Second {
		t.Fatalf("slept = %v", slept)
	}

	var counts []int
	for _, m := range msgs {
		if m.Kind() == protocol.KindExecuteInput {
			counts = append(counts, m.Content.ExecutionCount)
		}
	}
	if len(counts) != 3 || counts[0] != 1 || counts[1] != 1 || counts[2] != 2 {
		t.Fatalf("execution counts = %v", counts)
	}
}

func TestRunRejectsGarbage(t *testing.T) {
	var out bytes.Buffer
	if err := run(strings.NewReader("{not json"), &out, func(time.Duration) {}); err == nil {
		t.Fatal("expected error for invalid request")
	}
}
