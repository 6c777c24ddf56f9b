// Package doctor checks a loaded cellgate configuration for problems the
// loader cannot see: missing kernel binaries, network-mounted state, risky
// API exposure and dispatcher tuning that will behave badly.
package doctor

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/mattjoyce/cellgate/internal/config"
	"github.com/mattjoyce/cellgate/internal/storage"
	"github.com/mattjoyce/cellgate/internal/webhook"
)

// Busy-poll bounds outside which a warning is raised.
const (
	minBusyPoll = 5 * time.Millisecond
	maxBusyPoll = 5 * time.Second
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration against the host it will run on.
type Doctor struct {
	cfg      *config.Config
	lookPath func(string) (string, error)
}

// New creates a Doctor for cfg.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg, lookPath: exec.LookPath}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateState(r)
	d.validateBackend(r)
	d.validateAPIConfig(r)
	d.validateWebhooks(r)
	d.warnDispatcherTuning(r)
	d.warnMissingEnvVars(r)
	d.warnUnlocked(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateState checks the journal location.
func (d *Doctor) validateState(r *Result) {
	if d.cfg.State.Path == "" {
		d.addError(r, "state", "state.path", "state.path is required")
		return
	}
	if err := storage.CheckLocalFilesystem(d.cfg.State.Path); err != nil {
		if errors.Is(err, storage.ErrNetworkFilesystem) {
			d.addError(r, "state", "state.path", err.Error())
			return
		}
		d.addWarning(r, "state", "state.path", fmt.Sprintf("could not inspect filesystem: %v", err))
	}
}

// validateBackend checks that a process backend can actually be spawned.
func (d *Doctor) validateBackend(r *Result) {
	b := d.cfg.Backend
	if b.Kind != config.BackendProcess {
		if len(b.Command) > 0 {
			d.addWarning(r, "backend", "backend.command",
				fmt.Sprintf("backend.command is ignored for backend.kind %q", b.Kind))
		}
		return
	}

	if len(b.Command) == 0 {
		d.addError(r, "backend", "backend.command", "backend.command is required for a process backend")
		return
	}
	if _, err := d.lookPath(b.Command[0]); err != nil {
		d.addError(r, "backend", "backend.command",
			fmt.Sprintf("kernel command %q not found: %v", b.Command[0], err))
	}
	if b.Dir != "" {
		if st, err := os.Stat(b.Dir); err != nil || !st.IsDir() {
			d.addError(r, "backend", "backend.dir",
				fmt.Sprintf("working directory %q does not exist", b.Dir))
		}
	}
	if b.SimulatedLatency != 0 {
		d.addWarning(r, "backend", "backend.simulated_latency",
			"simulated_latency has no effect on a process backend")
	}
}

// validateAPIConfig checks API server settings.
func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when API is enabled")
		return
	}
	host, _, err := net.SplitHostPort(d.cfg.API.Listen)
	if err != nil {
		d.addError(r, "api", "api.listen", fmt.Sprintf("invalid listen address %q: %v", d.cfg.API.Listen, err))
		return
	}
	if !isLoopback(host) {
		d.addWarning(r, "api", "api.listen",
			fmt.Sprintf("API listens on %q; submitted code runs in the kernel, keep it on loopback unless fronted by a proxy", d.cfg.API.Listen))
	}
	if len(d.cfg.API.APIKey) > 0 && len(d.cfg.API.APIKey) < 16 {
		d.addWarning(r, "api", "api.api_key", "api_key is shorter than 16 characters")
	}
	for i, tok := range d.cfg.API.Tokens {
		if len(tok.Token) < 16 {
			d.addWarning(r, "api", fmt.Sprintf("api.tokens[%d].token", i), "token is shorter than 16 characters")
		}
	}
}

func (d *Doctor) validateWebhooks(r *Result) {
	if !d.cfg.Webhooks.Enabled {
		return
	}
	if _, err := webhook.FromGlobalConfig(d.cfg.Webhooks); err != nil {
		d.addError(r, "webhooks", "webhooks.endpoints", err.Error())
		return
	}
	if _, _, err := net.SplitHostPort(d.cfg.Webhooks.Listen); err != nil {
		d.addError(r, "webhooks", "webhooks.listen", fmt.Sprintf("invalid listen address %q: %v", d.cfg.Webhooks.Listen, err))
		return
	}
	if d.cfg.API.Enabled && d.cfg.API.Listen == d.cfg.Webhooks.Listen {
		d.addError(r, "webhooks", "webhooks.listen", "webhooks.listen must differ from api.listen")
	}
	for i, ep := range d.cfg.Webhooks.Endpoints {
		if len(ep.Secret) < 16 {
			d.addWarning(r, "webhooks", fmt.Sprintf("webhooks.endpoints[%d].secret", i), "secret is shorter than 16 characters")
		}
	}
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// warnDispatcherTuning flags busy-poll intervals that spin or stall.
func (d *Doctor) warnDispatcherTuning(r *Result) {
	poll := d.cfg.Dispatcher.BusyPollInterval
	switch {
	case poll > 0 && poll < minBusyPoll:
		d.addWarning(r, "dispatcher", "dispatcher.busy_poll_interval",
			fmt.Sprintf("busy_poll_interval %s is very short (< %s)", poll, minBusyPoll))
	case poll > maxBusyPoll:
		d.addWarning(r, "dispatcher", "dispatcher.busy_poll_interval",
			fmt.Sprintf("busy_poll_interval %s is very long (> %s); stop requests will be slow to take effect", poll, maxBusyPoll))
	}
	if d.cfg.Dispatcher.StartIdle && d.cfg.Backend.Kind == config.BackendProcess {
		d.addWarning(r, "dispatcher", "dispatcher.start_idle",
			"start_idle with a process backend may send the first cell before the kernel is ready")
	}
}

// warnMissingEnvVars warns about backend env entries that resolved empty.
func (d *Doctor) warnMissingEnvVars(r *Result) {
	for k, v := range d.cfg.Backend.Env {
		if v == "" {
			d.addWarning(r, "env_vars", "backend.env."+k,
				"value is empty (possibly unresolved environment variable)")
		}
	}
}

// warnUnlocked notes a config with no integrity manifest.
func (d *Doctor) warnUnlocked(r *Result) {
	if d.cfg.SourcePath == "" {
		return
	}
	_, err := config.LoadChecksums(config.ChecksumPath(d.cfg.SourcePath))
	switch {
	case errors.Is(err, os.ErrNotExist):
		d.addWarning(r, "integrity", "",
			"config is not locked; run 'cellgate config lock' to detect later edits")
	case err != nil:
		d.addError(r, "integrity", "", err.Error())
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
