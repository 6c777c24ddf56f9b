package doctor

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/cellgate/internal/config"
)

func validConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.State.Path = filepath.Join(t.TempDir(), "cellgate.db")
	return cfg
}

func foundAll(string) (string, error) { return "/usr/bin/true", nil }

func newDoctor(cfg *config.Config) *Doctor {
	d := New(cfg)
	d.lookPath = foundAll
	return d
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()
	r := newDoctor(validConfig(t)).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	if len(r.Warnings) != 0 {
		t.Fatalf("expected no warnings, got: %v", r.Warnings)
	}
}

func TestValidate_MissingStatePath(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.State.Path = ""
	r := newDoctor(cfg).Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "state", "state.path")
}

func TestValidate_ProcessCommandNotFound(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Backend.Kind = config.BackendProcess
	cfg.Backend.Command = []string{"no-such-kernel"}
	cfg.Backend.SimulatedLatency = 0

	d := New(cfg)
	d.lookPath = func(string) (string, error) { return "", errors.New("executable file not found in $PATH") }
	r := d.Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "backend", "no-such-kernel")
}

func TestValidate_ProcessMissingDir(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Backend.Kind = config.BackendProcess
	cfg.Backend.Command = []string{"python3"}
	cfg.Backend.SimulatedLatency = 0
	cfg.Backend.Dir = filepath.Join(t.TempDir(), "missing")

	r := newDoctor(cfg).Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "backend", "does not exist")
}

func TestValidate_CommandIgnoredForSimulated(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Backend.Command = []string{"python3"}
	r := newDoctor(cfg).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got: %v", r.Errors)
	}
	assertHasWarning(t, r, "backend", "ignored")
}

func TestValidate_APIExposure(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.API.Enabled = true
	cfg.API.Listen = "0.0.0.0:8765"
	cfg.API.APIKey = "short"

	r := newDoctor(cfg).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got: %v", r.Errors)
	}
	assertHasWarning(t, r, "api", "loopback")
	assertHasWarning(t, r, "api", "16 characters")
}

func TestValidate_APILoopbackIsQuiet(t *testing.T) {
	t.Parallel()
	for _, listen := range []string{"127.0.0.1:8765", "localhost:8765", "[::1]:8765"} {
		cfg := validConfig(t)
		cfg.API.Enabled = true
		cfg.API.Listen = listen
		cfg.API.APIKey = strings.Repeat("k", 32)

		r := newDoctor(cfg).Validate()
		if !r.Valid || len(r.Warnings) != 0 {
			t.Errorf("%s: expected clean result, got errors=%v warnings=%v", listen, r.Errors, r.Warnings)
		}
	}
}

func TestValidate_APIBadListen(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.API.Enabled = true
	cfg.API.Listen = "not-an-address"
	cfg.API.APIKey = strings.Repeat("k", 32)

	r := newDoctor(cfg).Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "api", "invalid listen address")
}

func TestValidate_Webhooks(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Webhooks.Enabled = true
	cfg.Webhooks.Endpoints = []config.WebhookEndpoint{{Path: "/hooks/nightly", Secret: "short"}}

	r := newDoctor(cfg).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got: %v", r.Errors)
	}
	assertHasWarning(t, r, "webhooks", "16 characters")

	cfg.Webhooks.Endpoints = append(cfg.Webhooks.Endpoints, config.WebhookEndpoint{Path: "/hooks/nightly", Secret: "other"})
	r = newDoctor(cfg).Validate()
	if r.Valid {
		t.Fatal("expected invalid for duplicate path")
	}
	assertHasError(t, r, "webhooks", "duplicate path")
}

func TestValidate_WebhooksShareAPIListen(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.API.Enabled = true
	cfg.API.APIKey = strings.Repeat("k", 32)
	cfg.Webhooks.Enabled = true
	cfg.Webhooks.Listen = cfg.API.Listen
	cfg.Webhooks.Endpoints = []config.WebhookEndpoint{{Path: "/hooks/a", Secret: strings.Repeat("s", 32)}}

	r := newDoctor(cfg).Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "webhooks", "must differ")
}

func TestValidate_DispatcherTuning(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Dispatcher.BusyPollInterval = time.Millisecond
	assertHasWarning(t, newDoctor(cfg).Validate(), "dispatcher", "very short")

	cfg.Dispatcher.BusyPollInterval = time.Minute
	assertHasWarning(t, newDoctor(cfg).Validate(), "dispatcher", "very long")

	cfg = validConfig(t)
	cfg.Backend.Kind = config.BackendProcess
	cfg.Backend.Command = []string{"python3"}
	cfg.Backend.SimulatedLatency = 0
	cfg.Dispatcher.StartIdle = true
	assertHasWarning(t, newDoctor(cfg).Validate(), "dispatcher", "start_idle")
}

func TestValidate_EmptyEnvVar(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Backend.Env = map[string]string{"TOKEN": ""}
	assertHasWarning(t, newDoctor(cfg).Validate(), "env_vars", "empty")
}

func TestValidate_Integrity(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.SourcePath = filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfg.SourcePath, []byte("state:\n  path: x.db\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	assertHasWarning(t, newDoctor(cfg).Validate(), "integrity", "not locked")

	if _, err := config.WriteChecksum(cfg.SourcePath, false); err != nil {
		t.Fatal(err)
	}
	r := newDoctor(cfg).Validate()
	for _, w := range r.Warnings {
		if w.Category == "integrity" {
			t.Fatalf("unexpected integrity warning after lock: %v", w)
		}
	}
}

func TestFormatHuman(t *testing.T) {
	t.Parallel()
	out := FormatHuman(&Result{Valid: true})
	if out != "Configuration valid.\n" {
		t.Fatalf("unexpected output: %q", out)
	}

	out = FormatHuman(&Result{
		Valid:    false,
		Errors:   []Issue{{Category: "backend", Field: "backend.command", Message: "missing"}},
		Warnings: []Issue{{Category: "integrity", Message: "not locked"}},
	})
	if !strings.Contains(out, "Configuration invalid (1 error(s), 1 warning(s))") {
		t.Fatalf("missing summary: %s", out)
	}
	if !strings.Contains(out, "ERROR [backend] backend.command: missing") {
		t.Fatalf("missing error line: %s", out)
	}
	if !strings.Contains(out, "WARN  [integrity] not locked") {
		t.Fatalf("missing warning line: %s", out)
	}
}

func TestFormatJSON(t *testing.T) {
	t.Parallel()
	out, err := FormatJSON(&Result{Valid: true, Warnings: []Issue{{Category: "api", Message: "m"}}})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"valid": true`) || !strings.Contains(out, `"category": "api"`) {
		t.Fatalf("unexpected JSON: %s", out)
	}
}

func assertHasError(t *testing.T, r *Result, category, substring string) {
	t.Helper()
	for _, e := range r.Errors {
		if e.Category == category && strings.Contains(e.Message, substring) {
			return
		}
	}
	t.Fatalf("expected error with category=%q containing %q, got: %v", category, substring, r.Errors)
}

func assertHasWarning(t *testing.T, r *Result, category, substring string) {
	t.Helper()
	for _, w := range r.Warnings {
		if w.Category == category && strings.Contains(w.Message, substring) {
			return
		}
	}
	t.Fatalf("expected warning with category=%q containing %q, got: %v", category, substring, r.Warnings)
}
