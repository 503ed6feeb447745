package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mkallio/calgate/internal/config"
	"github.com/mkallio/calgate/internal/crm"
	"github.com/mkallio/calgate/internal/dedupe"
	"github.com/mkallio/calgate/internal/enrich"
	"github.com/mkallio/calgate/internal/gateway"
	"github.com/mkallio/calgate/internal/log"
	"github.com/mkallio/calgate/internal/queue"
	"github.com/mkallio/calgate/internal/storage"
	"github.com/mkallio/calgate/internal/tui"
	"github.com/mkallio/calgate/internal/worker"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "start":
		if hasHelpFlag(args) {
			printStartHelp()
			return 0
		}
		return runStart(args)
	case "watch":
		if hasHelpFlag(args) {
			printWatchHelp()
			return 0
		}
		return runWatch(args)
	case "config":
		return runConfigNoun(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		printConfigNounHelp()
		if len(args) < 1 {
			return 1
		}
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
	case "lock", "hash-update":
		if hasHelpFlag(actionArgs) {
			printConfigLockHelp()
			return 0
		}
		return runConfigHashUpdate(actionArgs)
	case "help":
		printConfigNounHelp()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

// --- ACTION IMPLEMENTATIONS ---

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	path, err := config.DiscoverPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("calgate starting", "version", version, "config", path)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.Service.DBPath)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.Service.DBPath, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.Service.DBPath)

	provider := config.NewFileProvider(path)
	store := dedupe.NewSQLiteStore(db)
	q := queue.New(db)

	civi := crm.NewCiviClient(cfg.CRM.APIURL, cfg.CRM.APIKey, cfg.CRM.SiteKey, cfg.CRM.Timeout)
	fetcher := enrich.NewClient(cfg.CRM.Timeout)

	srv := gateway.New(provider, store, q, log.WithComponent("gateway"))
	proc := worker.New(provider, store, civi, civi, fetcher)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 2)

	go func() {
		if err := srv.Start(ctx); err != nil && err != context.Canceled {
			errCh <- fmt.Errorf("gateway: %w", err)
		}
	}()

	go func() {
		if err := proc.Run(ctx, q); err != nil && err != context.Canceled {
			errCh <- fmt.Errorf("worker: %w", err)
		}
	}()

	logger.Info("calgate running (press Ctrl+C to stop)")

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		cancel()
		return 1
	}

	logger.Info("calgate stopped")
	return 0
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	refresh := fs.Duration("refresh", 2*time.Second, "Snapshot refresh interval")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	path, err := config.DiscoverPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	db, err := storage.OpenSQLite(context.Background(), cfg.Service.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer db.Close()

	m := tui.NewWatch(queue.New(db), dedupe.NewSQLiteStore(db), *refresh)
	p := tea.NewProgram(m)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	path, err := config.DiscoverPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config check FAILED: %v\n", err)
		return 1
	}

	failed := false

	if _, err := config.ParseRules(cfg.Processing.RulesYAML, cfg.Processing.DefaultActivityType); err != nil {
		fmt.Fprintf(os.Stderr, "Rules: %v\n", err)
		failed = true
	} else {
		fmt.Println("Rules: OK")
	}

	if _, err := config.ParseStaffMap(cfg.Processing.StaffEmailMapYAML); err != nil {
		fmt.Fprintf(os.Stderr, "Staff map: %v\n", err)
		failed = true
	} else {
		fmt.Println("Staff map: OK")
	}

	if cfg.Webhook.SharedToken == "" && cfg.SigningKey() == "" {
		fmt.Fprintln(os.Stderr, "Auth: no shared_token or signing_key configured; the gateway will reject all deliveries")
		failed = true
	} else {
		fmt.Println("Auth: OK")
	}

	if err := config.VerifyChecksums(path); err != nil {
		fmt.Fprintf(os.Stderr, "Integrity: %v\n", err)
		failed = true
	} else {
		fmt.Println("Integrity: OK")
	}

	if failed {
		fmt.Println("Status: Configuration check FAILED.")
		return 1
	}
	fmt.Println("Status: Configuration check PASSED.")
	return 0
}

func runConfigHashUpdate(args []string) int {
	fs := flag.NewFlagSet("hash-update", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	path, err := config.DiscoverPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}

	if _, err := config.Load(path); err != nil {
		fmt.Fprintf(os.Stderr, "Refusing to lock an invalid config: %v\n", err)
		return 1
	}
	if err := config.GenerateChecksums(path); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to update checksums: %v\n", err)
		return 1
	}

	fmt.Printf("Updated checksums for %s\n", path)
	return 0
}

// --- VERSION ---

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("calgate %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		if len(commit) > 12 {
			commit = commit[:12]
		}
		info.Commit = commit
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}

	return info
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

// --- HELP ---

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

func printUsage() {
	fmt.Print(`calgate - Calendly webhook to CiviCRM activity gateway

Usage:
  calgate <command> [flags]

Commands:
  start              Run the webhook gateway and delivery worker in foreground
  watch              Real-time queue and dedupe monitoring TUI
  config check       Validate config syntax, rules, auth, and integrity
  config hash-update Authorize current config state (update integrity hashes)
  version            Show version information
  help               Show this help message

Config discovery: --config flag, $CALGATE_CONFIG, then ./calgate.yaml.
`)
}

func printStartHelp() {
	fmt.Println("Usage: calgate start [--config PATH]")
	fmt.Println("Run the webhook gateway and the delivery worker in the foreground.")
}

func printWatchHelp() {
	fmt.Println("Usage: calgate watch [--config PATH] [--refresh DURATION]")
	fmt.Println()
	fmt.Println("Real-time monitoring TUI: queue depth, dedupe reservations, and the")
	fmt.Println("recent delivery log, read straight from the database.")
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  q, Ctrl+C        Quit")
	fmt.Println("  ↑/↓, k/j         Scroll the delivery log")
}

func printConfigNounHelp() {
	fmt.Println("Usage: calgate config <action> [flags]")
	fmt.Println("Actions: check, hash-update (alias: lock)")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: calgate config check [--config PATH]")
	fmt.Println("Validate configuration syntax, classification rules, auth, and integrity.")
}

func printConfigLockHelp() {
	fmt.Println("Usage: calgate config hash-update [--config PATH]")
	fmt.Println("Regenerate the config integrity hashes after an intentional edit.")
}
