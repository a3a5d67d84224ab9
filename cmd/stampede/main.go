// ABOUTME: CLI entrypoint for the stampede agent runtime HTTP server.
// ABOUTME: Wires together provider adapters, the session manager, the turn engine, and signal handling.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/2389-research/stampede/agent"
	"github.com/2389-research/stampede/llm"
	"github.com/2389-research/stampede/session"
	"github.com/2389-research/stampede/web"
)

var version = "dev"

// config holds all CLI configuration parsed from flags.
type config struct {
	addr        string
	dataDir     string
	configFile  string
	provider    string
	model       string
	verbose     bool
	showVersion bool
}

func main() {
	loadDotEnvAuto()

	cfg := parseFlags()

	if cfg.showVersion {
		fmt.Printf("stampede %s\n", version)
		os.Exit(0)
	}

	os.Exit(run(cfg))
}

// parseFlags parses command-line flags and returns a populated config.
func parseFlags() config {
	var cfg config

	fs := flag.NewFlagSet("stampede", flag.ContinueOnError)
	fs.StringVar(&cfg.addr, "addr", "", "Listen address (default: 127.0.0.1:8348)")
	fs.StringVar(&cfg.dataDir, "data-dir", "", "Data directory for session state (default: $XDG_DATA_HOME/stampede)")
	fs.StringVar(&cfg.configFile, "config", "", "Server config file (default: $XDG_CONFIG_HOME/stampede/config.yaml)")
	fs.StringVar(&cfg.provider, "provider", "", "Default LLM provider for new sessions")
	fs.StringVar(&cfg.model, "model", "", "Default model for new sessions")
	fs.BoolVar(&cfg.verbose, "verbose", false, "Verbose output")
	fs.BoolVar(&cfg.showVersion, "version", false, "Print version and exit")

	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(1)
	}

	return cfg
}

// run starts the runtime server. Returns an exit code: 0 on clean shutdown,
// 1 on fatal initialization error, 2 on unrecoverable runtime error.
func run(cfg config) int {
	fileCfg, err := loadFileConfig(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	addr := firstNonEmpty(cfg.addr, fileCfg.Addr)
	provider := firstNonEmpty(cfg.provider, fileCfg.DefaultProvider)
	model := firstNonEmpty(cfg.model, fileCfg.DefaultModel)

	dataDir, err := resolveDataDir(firstNonEmpty(cfg.dataDir, fileCfg.DataDir))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	client, err := llm.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error: no LLM provider configured")
		fmt.Fprintln(os.Stderr, "Set one of: OPENAI_API_KEY, ANTHROPIC_API_KEY, or LOCAL_LLM_BASE_URL")
		return 1
	}
	defer client.Close()

	sessions, err := session.NewManager(dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer sessions.Close()

	sessions.SetDefaults(session.Defaults{
		Provider:   provider,
		Model:      model,
		MCPServers: fileCfg.MCPServers,
	})

	engine := agent.NewEngine(client)

	server, err := web.NewServer(web.ServerConfig{
		Addr:     addr,
		Sessions: sessions,
		Engine:   engine,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	if cfg.verbose {
		fmt.Fprintf(os.Stderr, "data dir: %s\n", dataDir)
		fmt.Fprintf(os.Stderr, "shared MCP servers: %d\n", len(fileCfg.MCPServers))
	}

	// Set up context with signal handling for graceful shutdown.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\nInterrupted, shutting down...")
		cancel()
	}()

	if err := server.ListenAndServe(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}

	return 0
}

// loadFileConfig reads the YAML config named by the -config flag, or the
// default config path when present.
func loadFileConfig(cfg config) (serverConfig, error) {
	if cfg.configFile != "" {
		return loadServerConfig(cfg.configFile, true)
	}
	if path := defaultConfigPath(); path != "" {
		return loadServerConfig(path, false)
	}
	return serverConfig{}, nil
}

// resolveDataDir returns the data directory to use, preferring an explicit
// override and falling back to the XDG-based default.
func resolveDataDir(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	return defaultDataDir()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
