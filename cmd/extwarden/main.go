// Command extwarden runs the extension lifecycle service.
//
// The service accepts extension archive uploads, validates and safely
// unpacks them into the extensions root, tracks enabled/disabled state,
// and verifies installed trees against stored integrity baselines.
//
// Usage:
//
//	extwarden [command] [flags]
//
// Commands:
//
//	serve    Start the extension service (default if no command given)
//	verify   Check installed extensions against their baselines
//
// Serve Flags:
//
//	-config string
//	      Path to configuration file (YAML or JSON)
//	-listen string
//	      Address to listen on (default ":8080")
//	-root string
//	      Extensions root directory (default "./data/extensions")
//	-staging string
//	      Staging directory for installs (default "./data/staging")
//	-database-driver string
//	      Database driver: sqlite or postgres (default "sqlite")
//	-database-path string
//	      Path to SQLite database file (default "./data/extwarden.db")
//	-database-url string
//	      PostgreSQL connection URL
//	-log-level string
//	      Log level: debug, info, warn, error (default "info")
//	-log-format string
//	      Log format: text, json (default "text")
//
// Verify Flags:
//
//	-root string
//	      Extensions root directory (default "./data/extensions")
//	-database-driver string
//	      Database driver: sqlite or postgres (default "sqlite")
//	-database-path string
//	      Path to SQLite database file (default "./data/extwarden.db")
//	-database-url string
//	      PostgreSQL connection URL
//	-slug string
//	      Verify a single extension (default: all with baselines)
//	-json
//	      Output as JSON
//
// Global Flags:
//
//	-version
//	      Print version and exit
//
// Environment Variables:
//
//	EXTWARDEN_LISTEN             - Listen address
//	EXTWARDEN_EXTENSIONS_ROOT    - Extensions root directory
//	EXTWARDEN_EXTENSIONS_STAGING - Staging directory
//	EXTWARDEN_RETENTION_URL      - Archive retention bucket URL
//	EXTWARDEN_DATABASE_DRIVER    - Database driver (sqlite or postgres)
//	EXTWARDEN_DATABASE_PATH      - SQLite database file path
//	EXTWARDEN_DATABASE_URL       - PostgreSQL connection URL
//	EXTWARDEN_AUDIT_PATH         - Audit log file path
//	EXTWARDEN_LOG_LEVEL          - Log level
//	EXTWARDEN_LOG_FORMAT         - Log format
//
// Example:
//
//	# Start with defaults
//	extwarden
//
//	# Start with custom settings
//	extwarden serve -listen :3000 -root /srv/extensions
//
//	# Verify all extensions against their baselines
//	extwarden verify
//
//	# Verify one extension as JSON
//	extwarden verify -slug my-extension -json
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/extwarden/extwarden/internal/config"
	"github.com/extwarden/extwarden/internal/database"
	"github.com/extwarden/extwarden/internal/integrity"
	"github.com/extwarden/extwarden/internal/server"
)

var (
	// Version is set at build time.
	Version = "dev"

	// Commit is set at build time.
	Commit = "unknown"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "serve":
			os.Args = append(os.Args[:1], os.Args[2:]...)
			runServe()
			return
		case "verify":
			os.Args = append(os.Args[:1], os.Args[2:]...)
			runVerify()
			return
		case "-version", "--version":
			fmt.Printf("extwarden %s (%s)\n", Version, Commit)
			os.Exit(0)
		case "-h", "-help", "--help":
			printUsage()
			os.Exit(0)
		}
	}

	// Default to serve
	runServe()
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `extwarden - Extension lifecycle and integrity service

Usage: extwarden [command] [flags]

Commands:
  serve    Start the extension service (default)
  verify   Check installed extensions against their baselines

Run 'extwarden <command> -help' for more information on a command.

Global Flags:
  -version   Print version and exit
  -help      Show this help message
`)
}

func runServe() {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file (YAML or JSON)")
	listen := fs.String("listen", "", "Address to listen on")
	root := fs.String("root", "", "Extensions root directory")
	staging := fs.String("staging", "", "Staging directory for installs")
	databaseDriver := fs.String("database-driver", "", "Database driver: sqlite or postgres")
	databasePath := fs.String("database-path", "", "Path to SQLite database file")
	databaseURL := fs.String("database-url", "", "PostgreSQL connection URL")
	logLevel := fs.String("log-level", "", "Log level: debug, info, warn, error")
	logFormat := fs.String("log-format", "", "Log format: text, json")
	version := fs.Bool("version", false, "Print version and exit")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "extwarden - Extension lifecycle and integrity service\n\n")
		fmt.Fprintf(os.Stderr, "Usage: extwarden serve [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  EXTWARDEN_LISTEN             Listen address\n")
		fmt.Fprintf(os.Stderr, "  EXTWARDEN_EXTENSIONS_ROOT    Extensions root directory\n")
		fmt.Fprintf(os.Stderr, "  EXTWARDEN_EXTENSIONS_STAGING Staging directory\n")
		fmt.Fprintf(os.Stderr, "  EXTWARDEN_RETENTION_URL      Archive retention bucket URL\n")
		fmt.Fprintf(os.Stderr, "  EXTWARDEN_DATABASE_DRIVER    Database driver (sqlite or postgres)\n")
		fmt.Fprintf(os.Stderr, "  EXTWARDEN_DATABASE_PATH      SQLite database file\n")
		fmt.Fprintf(os.Stderr, "  EXTWARDEN_DATABASE_URL       PostgreSQL connection URL\n")
		fmt.Fprintf(os.Stderr, "  EXTWARDEN_AUDIT_PATH         Audit log file path\n")
		fmt.Fprintf(os.Stderr, "  EXTWARDEN_LOG_LEVEL          Log level\n")
		fmt.Fprintf(os.Stderr, "  EXTWARDEN_LOG_FORMAT         Log format\n")
	}

	_ = fs.Parse(os.Args[1:])

	if *version {
		fmt.Printf("extwarden %s (%s)\n", Version, Commit)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	// Apply environment variables
	cfg.LoadFromEnv()

	// Apply command line flags (highest priority)
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *root != "" {
		cfg.Extensions.Root = *root
	}
	if *staging != "" {
		cfg.Extensions.Staging = *staging
	}
	if *databaseDriver != "" {
		cfg.Database.Driver = *databaseDriver
	}
	if *databasePath != "" {
		cfg.Database.Path = *databasePath
	}
	if *databaseURL != "" {
		cfg.Database.URL = *databaseURL
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.Log.Level, cfg.Log.Format)

	// Create and start server
	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	// Handle shutdown signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// Wait for shutdown or error
	select {
	case <-ctx.Done():
		if err := srv.Shutdown(context.Background()); err != nil {
			logger.Error("shutdown error", "error", err)
		}
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

func runVerify() {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	root := fs.String("root", "./data/extensions", "Extensions root directory")
	databaseDriver := fs.String("database-driver", "sqlite", "Database driver: sqlite or postgres")
	databasePath := fs.String("database-path", "./data/extwarden.db", "Path to SQLite database file")
	databaseURL := fs.String("database-url", "", "PostgreSQL connection URL")
	slug := fs.String("slug", "", "Verify a single extension")
	asJSON := fs.Bool("json", false, "Output as JSON")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "extwarden - Check installed extensions against baselines\n\n")
		fmt.Fprintf(os.Stderr, "Usage: extwarden verify [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		fs.PrintDefaults()
	}

	_ = fs.Parse(os.Args[1:])

	// Apply environment overrides
	if v := os.Getenv("EXTWARDEN_EXTENSIONS_ROOT"); v != "" {
		*root = v
	}
	if v := os.Getenv("EXTWARDEN_DATABASE_DRIVER"); v != "" {
		*databaseDriver = v
	}
	if v := os.Getenv("EXTWARDEN_DATABASE_PATH"); v != "" {
		*databasePath = v
	}
	if v := os.Getenv("EXTWARDEN_DATABASE_URL"); v != "" {
		*databaseURL = v
	}

	// Open database
	var db *database.DB
	var err error

	switch *databaseDriver {
	case "postgres":
		if *databaseURL == "" {
			fmt.Fprintf(os.Stderr, "database-url is required for postgres driver\n")
			os.Exit(1)
		}
		db, err = database.OpenPostgres(*databaseURL)
	default:
		if _, statErr := os.Stat(*databasePath); os.IsNotExist(statErr) {
			fmt.Fprintf(os.Stderr, "database not found: %s\n", *databasePath)
			fmt.Fprintf(os.Stderr, "run 'extwarden serve' first to create the database\n")
			os.Exit(1)
		}
		db, err = database.Open(*databasePath)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	engine := integrity.New(*root, db)

	slugs := []string{*slug}
	if *slug == "" {
		exts, err := db.ListExtensions(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error listing extensions: %v\n", err)
			os.Exit(1)
		}
		slugs = slugs[:0]
		for _, ext := range exts {
			slugs = append(slugs, ext.Slug)
		}
		sort.Strings(slugs)
	}

	results := make([]verifyResult, 0, len(slugs))
	failed := false
	for _, s := range slugs {
		report, err := engine.Check(ctx, s)
		switch {
		case err != nil && *slug == "" && isNoBaseline(err):
			// Extensions without a baseline are skipped in bulk mode.
			results = append(results, verifyResult{Slug: s, Skipped: true})
		case err != nil:
			fmt.Fprintf(os.Stderr, "error checking %s: %v\n", s, err)
			os.Exit(1)
		default:
			results = append(results, verifyResult{Slug: s, Report: report})
			if !report.OK {
				failed = true
			}
		}
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(results)
	} else {
		printVerifyText(results)
	}

	if failed {
		os.Exit(1)
	}
}

type verifyResult struct {
	Slug    string            `json:"slug"`
	Skipped bool              `json:"skipped,omitempty"`
	Report  *integrity.Report `json:"report,omitempty"`
}

func isNoBaseline(err error) bool {
	return errors.Is(err, integrity.ErrNoBaseline)
}

func printVerifyText(results []verifyResult) {
	for _, res := range results {
		switch {
		case res.Skipped:
			fmt.Printf("%-30s no baseline (skipped)\n", res.Slug)
		case res.Report.OK:
			fmt.Printf("%-30s ok\n", res.Slug)
		default:
			fmt.Printf("%-30s DRIFT (%d mismatch, %d missing, %d extra)\n",
				res.Slug, len(res.Report.Mismatch), len(res.Report.Missing), len(res.Report.Extra))
			for _, p := range res.Report.Mismatch {
				fmt.Printf("    modified: %s\n", p)
			}
			for _, p := range res.Report.Missing {
				fmt.Printf("    missing:  %s\n", p)
			}
			for _, p := range res.Report.Extra {
				fmt.Printf("    extra:    %s\n", p)
			}
		}
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	return config.Default(), nil
}

func setupLogger(level, format string) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: parseLogLevel(level),
	}

	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
