package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"

	tea "github.com/charmbracelet/bubbletea"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/cellgate/internal/api"
	"github.com/mattjoyce/cellgate/internal/auth"
	"github.com/mattjoyce/cellgate/internal/config"
	"github.com/mattjoyce/cellgate/internal/doctor"
	"github.com/mattjoyce/cellgate/internal/inspect"
	"github.com/mattjoyce/cellgate/internal/journal"
	"github.com/mattjoyce/cellgate/internal/lock"
	"github.com/mattjoyce/cellgate/internal/log"
	"github.com/mattjoyce/cellgate/internal/session"
	"github.com/mattjoyce/cellgate/internal/storage"
	"github.com/mattjoyce/cellgate/internal/tui"
	"github.com/mattjoyce/cellgate/internal/webhook"
)

const version = "0.1.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	if len(argv) < 1 {
		printUsage(os.Stderr)
		return 1
	}

	cmd := argv[0]
	args := argv[1:]

	switch cmd {
	// --- NOUNS ---
	case "system":
		return runSystemNoun(args)
	case "config":
		return runConfigNoun(args)
	case "history":
		return runHistoryNoun(args)

	// --- ROOT COMMANDS ---
	case "start":
		return runStart(args)
	case "watch":
		if hasHelpFlag(args) {
			printWatchHelp()
			return 0
		}
		return runWatch(args)
	case "version":
		fmt.Printf("cellgate version %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(os.Stdout)
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage(os.Stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `cellgate - Execution dispatcher for notebook kernels

Usage:
  cellgate <noun> <action> [flags]

Core Resources (Nouns):
  system    Session lifecycle
  config    Configuration and integrity
  history   Dispatch journal

System Commands:
  system start        Start a session in the foreground

Config Commands:
  config check        Validate configuration and print its fingerprint
  config show [path]  Show the resolved configuration
  config get <path>   Read a single value
  config set <p>=<v>  Set a value (--dry-run | --apply)
  config lock         Record the config fingerprint in .checksums

History Commands:
  history list        Show recent dispatches
  history show <id>   Inspect one dispatch
  history stats       Status totals and recent cancellations

General:
  watch             Live monitor of a running session
  version           Show version information
  help              Show this help message

Use 'cellgate <noun> help' for resource-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			printSystemStartHelp()
			return 0
		}
		return runStart(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			printConfigShowHelp()
			return 0
		}
		return runConfigShow(actionArgs)
	case "get":
		if hasHelpFlag(actionArgs) {
			printConfigGetHelp()
			return 0
		}
		return runConfigGet(actionArgs)
	case "set":
		if hasHelpFlag(actionArgs) {
			printConfigSetHelp()
			return 0
		}
		return runConfigSet(actionArgs)
	case "lock":
		if hasHelpFlag(actionArgs) {
			printConfigLockHelp()
			return 0
		}
		return runConfigLock(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runHistoryNoun(args []string) int {
	if len(args) < 1 {
		printHistoryNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printHistoryNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "list":
		if hasHelpFlag(actionArgs) {
			printHistoryListHelp()
			return 0
		}
		return runHistoryList(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			printHistoryShowHelp()
			return 0
		}
		return runHistoryShow(actionArgs)
	case "stats":
		if hasHelpFlag(actionArgs) {
			printHistoryStatsHelp()
			return 0
		}
		return runHistoryStats(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown history action: %s\n", action)
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printSystemNounHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: cellgate system <action>")
	fmt.Fprintln(w, "Actions: start")
}

func printConfigNounHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: cellgate config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, show, get, set, lock")
}

func printHistoryNounHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: cellgate history <action> [flags]")
	fmt.Fprintln(w, "Actions: list, show, stats")
}

func printSystemStartHelp() {
	fmt.Println("Usage: cellgate system start [--config PATH]")
	fmt.Println("Start a dispatcher session and its backend in the foreground.")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: cellgate config check [--config PATH] [--format human|json] [--strict] [--json]")
	fmt.Println("Validate configuration, print its BLAKE3 fingerprint and report host problems.")
}

func printConfigShowHelp() {
	fmt.Println("Usage: cellgate config show [path] [--config PATH] [--json]")
	fmt.Println("Show the full resolved configuration or a single node.")
}

func printConfigGetHelp() {
	fmt.Println("Usage: cellgate config get <path> [--config PATH] [--json]")
	fmt.Println("Read a single value from the resolved configuration.")
}

func printConfigSetHelp() {
	fmt.Println("Usage: cellgate config set <path>=<value> [--config PATH] [--dry-run | --apply]")
	fmt.Println("Set a configuration value with either preview or apply mode.")
}

func printConfigLockHelp() {
	fmt.Println("Usage: cellgate config lock [--config PATH] [--dry-run]")
	fmt.Println("Authorize the current configuration by writing its fingerprint to .checksums.")
}

func printHistoryListHelp() {
	fmt.Println("Usage: cellgate history list [--config PATH] [--limit N] [--json]")
	fmt.Println("List recent dispatches, newest first.")
}

func printHistoryShowHelp() {
	fmt.Println("Usage: cellgate history show <id> [--config PATH] [--json]")
	fmt.Println("Show one dispatch with the statuses and cancellations seen while it ran.")
}

func printHistoryStatsHelp() {
	fmt.Println("Usage: cellgate history stats [--config PATH] [--limit N] [--json]")
	fmt.Println("Show status event totals and the most recent backlog cancellations.")
}

func printWatchHelp() {
	fmt.Println("Usage: cellgate watch [--api URL] [--key KEY] [--config PATH]")
	fmt.Println("Open the live monitor against a running session's API.")
}

// --- ACTION IMPLEMENTATIONS ---

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.SetupWithWriter(cfg.Service.LogLevel, cfg.Service.LogFormat, os.Stdout)
	logger := log.WithComponent("main")
	logger.Info("cellgate starting", "version", version, "config", cfg.SourcePath)

	pidLock, err := lock.AcquirePIDLock(cfg.LockPath())
	if err != nil {
		logger.Error("failed to acquire lock", "path", cfg.LockPath(), "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired lock", "path", pidLock.Path())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.State.Path)

	j := journal.New(db)
	sess, err := session.New(cfg, session.Deps{Journal: j})
	if err != nil {
		logger.Error("failed to create session", "error", err)
		return 1
	}
	logger.Info("session created", "session_id", sess.ID(), "backend", cfg.Backend.Kind)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 3)
	done := make(chan struct{})

	go func() {
		defer close(done)
		if err := sess.Run(ctx); err != nil {
			errCh <- fmt.Errorf("session: %w", err)
		}
	}()

	if cfg.API.Enabled {
		tokens := make([]auth.TokenConfig, 0, len(cfg.API.Tokens))
		for _, t := range cfg.API.Tokens {
			tokens = append(tokens, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
		}
		apiServer := api.New(api.Config{
			Listen:            cfg.API.Listen,
			APIKey:            cfg.API.APIKey,
			Tokens:            tokens,
			RequestsPerSecond: cfg.API.RateLimit.RequestsPerSecond,
			Burst:             cfg.API.RateLimit.Burst,
		}, sess, j, sess.Hub(), log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	if cfg.Webhooks.Enabled {
		whCfg, err := webhook.FromGlobalConfig(cfg.Webhooks)
		if err != nil {
			logger.Error("invalid webhook config", "error", err)
			cancel()
			<-done
			return 1
		}
		hooks := webhook.New(whCfg, sess, log.WithComponent("webhook"))
		go func() {
			if err := hooks.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("webhook: %w", err)
			}
		}()
		logger.Info("webhook server enabled", "listen", cfg.Webhooks.Listen, "endpoints", len(whCfg.Endpoints))
	}

	logger.Info("cellgate running (press Ctrl+C to stop)")

	code := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		code = 1
	case <-done:
		select {
		case err := <-errCh:
			logger.Error("component failed", "error", err)
			code = 1
		default:
			logger.Warn("session ended")
		}
	}
	cancel()
	<-done

	logger.Info("cellgate stopped")
	return code
}

func runConfigCheck(args []string) int {
	var configPath, format string
	var strict, jsonOut bool

	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration file")
	fs.BoolVar(&strict, "strict", false, "Treat warnings as errors")
	fs.StringVar(&format, "format", "human", "Output format (human, json)")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if jsonOut {
		format = "json"
	}

	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	fp, err := config.Fingerprint(cfg.SourcePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Fingerprint error: %v\n", err)
		return 1
	}

	result := doctor.New(cfg).Validate()

	switch format {
	case "json":
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(out)
	default:
		fmt.Printf("Config: %s\n", cfg.SourcePath)
		fmt.Printf("Fingerprint: %s\n", fp)
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	if strict && len(result.Warnings) > 0 {
		return 2
	}
	return 0
}

func runConfigShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(reorderArgs(args)); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	var result any = cfg
	if fs.NArg() > 0 {
		res, err := cfg.GetPath(fs.Arg(0))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		result = res
	}
	return printValue(result, *jsonOut)
}

func runConfigGet(args []string) int {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(reorderArgs(args)); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: cellgate config get <path> [--json]")
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	val, err := cfg.GetPath(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOut {
		return printValue(val, true)
	}
	fmt.Printf("%v\n", val)
	return 0
}

func runConfigSet(args []string) int {
	var configPath string
	var dryRun, apply bool

	fs := flag.NewFlagSet("set", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration file")
	fs.BoolVar(&dryRun, "dry-run", false, "Preview changes")
	fs.BoolVar(&apply, "apply", false, "Apply changes")

	if err := fs.Parse(reorderArgs(args)); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	kvPair := fs.Arg(0)
	path, value, ok := strings.Cut(kvPair, "=")
	if !ok || path == "" {
		fmt.Fprintln(os.Stderr, "Usage: cellgate config set <path>=<value> [--dry-run | --apply]")
		return 1
	}
	if dryRun == apply {
		fmt.Fprintln(os.Stderr, "Error: exactly one of --dry-run or --apply must be specified for 'config set'.")
		return 1
	}

	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	if dryRun {
		if err := cfg.SetPath(path, value, false); err != nil {
			fmt.Fprintf(os.Stderr, "Dry-run validation failed: %v\n", err)
			return 1
		}
		fmt.Printf("Dry-run: would set %q to %q\n", path, value)
		fmt.Println("Status: Configuration check PASSED.")
		return 0
	}

	if err := cfg.SetPath(path, value, true); err != nil {
		fmt.Fprintf(os.Stderr, "Apply failed: %v\n", err)
		return 1
	}
	fmt.Printf("Successfully set %q to %q\n", path, value)
	return 0
}

func runConfigLock(args []string) int {
	var configPath string
	var dryRun bool

	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration file")
	fs.BoolVar(&dryRun, "dry-run", false, "Dry run")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if configPath == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		configPath = discovered
	}

	report, err := config.WriteChecksum(configPath, dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
		return 1
	}

	fmt.Printf("HASH %s: %s\n", report.ConfigPath, report.Hash)
	if report.Written {
		fmt.Printf("WROTE .checksums: %s\n", report.ChecksumPath)
	} else {
		fmt.Printf("DRY-RUN .checksums: %s (not written)\n", report.ChecksumPath)
	}
	return 0
}

func runHistoryList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	limit := fs.Int("limit", 20, "Maximum number of dispatches")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	j, closeDB, err := openJournal(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer closeDB()

	items, err := j.Recent(context.Background(), *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "History query failed: %v\n", err)
		return 1
	}

	if *jsonOut {
		return printValue(items, true)
	}
	if len(items) == 0 {
		fmt.Println("No dispatches recorded.")
		return 0
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tGEN\tDISPATCHED\tCODE")
	for _, d := range items {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			d.ID, d.Kind, d.Generation, d.DispatchedAt.Local().Format("2006-01-02 15:04:05"), firstLine(d.Code))
	}
	_ = tw.Flush()
	return 0
}

type historyStats struct {
	Statuses map[string]int   `json:"statuses"`
	Cancels  []journal.Cancel `json:"cancels"`
}

func runHistoryStats(args []string) int {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	limit := fs.Int("limit", 10, "Maximum number of cancellations")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	j, closeDB, err := openJournal(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer closeDB()

	ctx := context.Background()
	counts, err := j.StatusCounts(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Status query failed: %v\n", err)
		return 1
	}
	cancels, err := j.Cancels(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cancel query failed: %v\n", err)
		return 1
	}

	if *jsonOut {
		return printValue(historyStats{Statuses: counts, Cancels: cancels}, true)
	}

	fmt.Println("Statuses:")
	if len(counts) == 0 {
		fmt.Println("  <none>")
	}
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  %-10s %d\n", name, counts[name])
	}

	fmt.Println("Cancellations:")
	if len(cancels) == 0 {
		fmt.Println("  <none>")
		return 0
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, c := range cancels {
		fmt.Fprintf(tw, "  %s\t%s\tdropped=%d\n", c.CancelledAt.Local().Format("2006-01-02 15:04:05"), c.Reason, c.Dropped)
	}
	_ = tw.Flush()
	return 0
}

func runHistoryShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output report in JSON")
	if err := fs.Parse(reorderArgs(args)); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: cellgate history show <id> [--config PATH] [--json]")
		return 1
	}
	id := fs.Arg(0)

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	db, err := storage.OpenSQLite(context.Background(), cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer db.Close()

	var report string
	if *jsonOut {
		report, err = inspect.BuildJSONReport(context.Background(), db, id)
		report += "\n"
	} else {
		report, err = inspect.BuildReport(context.Background(), db, id)
	}
	if errors.Is(err, journal.ErrNotFound) {
		fmt.Fprintf(os.Stderr, "No dispatch with id %s\n", id)
		return 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Inspect failed: %v\n", err)
		return 1
	}

	fmt.Print(report)
	return 0
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file (for API defaults)")
	apiURL := fs.String("api", "", "API base URL")
	apiKey := fs.String("key", os.Getenv("CELLGATE_API_KEY"), "API key")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if *apiURL == "" || *apiKey == "" {
		if cfg, err := loadConfigForTool(*configPath); err == nil {
			if *apiURL == "" {
				*apiURL = "http://" + cfg.API.Listen
			}
			if *apiKey == "" {
				*apiKey = cfg.API.APIKey
			}
		}
	}
	if *apiURL == "" {
		*apiURL = "http://" + config.Defaults().API.Listen
	}

	p := tea.NewProgram(tui.NewMonitor(*apiURL, *apiKey), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Monitor failed: %v\n", err)
		return 1
	}
	return 0
}

// --- HELPERS ---

func loadConfigForTool(configPath string) (*config.Config, error) {
	if configPath == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			return nil, err
		}
		configPath = discovered
	}
	return config.Load(configPath)
}

func openJournal(configPath string) (*journal.Journal, func(), error) {
	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	db, err := storage.OpenSQLite(context.Background(), cfg.State.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	return journal.New(db), func() { _ = db.Close() }, nil
}

func printValue(v any, asJSON bool) int {
	var (
		data []byte
		err  error
	)
	if asJSON {
		data, err = json.MarshalIndent(v, "", "  ")
		data = append(data, '\n')
	} else {
		data, err = yaml.Marshal(v)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Encode error: %v\n", err)
		return 1
	}
	_, _ = os.Stdout.Write(data)
	return 0
}

// reorderArgs moves flags ahead of positional arguments so that
// "show backend.kind --json" parses like "show --json backend.kind".
func reorderArgs(args []string) []string {
	var flags, positional []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") {
			positional = append(positional, arg)
			continue
		}
		flags = append(flags, arg)
		if strings.Contains(arg, "=") || isBoolFlag(arg) {
			continue
		}
		if i+1 < len(args) {
			flags = append(flags, args[i+1])
			i++
		}
	}
	return append(flags, positional...)
}

func isBoolFlag(arg string) bool {
	switch strings.TrimLeft(arg, "-") {
	case "json", "dry-run", "apply":
		return true
	}
	return false
}

func firstLine(code string) string {
	line, _, more := strings.Cut(strings.TrimSpace(code), "\n")
	if more {
		line += " …"
	}
	return line
}
