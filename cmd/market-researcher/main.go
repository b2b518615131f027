// ABOUTME: CLI entrypoint for the market researcher with one-shot digest and server modes.
// ABOUTME: Wires together the search client, LLM extractors, digest agent, store, and signal handling.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/tavily-ai/market-researcher/digest"
	"github.com/tavily-ai/market-researcher/llm"
	"github.com/tavily-ai/market-researcher/tavily"
	"github.com/tavily-ai/market-researcher/web"
	"github.com/tavily-ai/market-researcher/workflow"
)

var version = "dev"

// cliConfig holds command-line configuration parsed from flags.
type cliConfig struct {
	serverMode  bool
	bind        string
	dataDir     string
	configFile  string
	tickers     string
	verbose     bool
	showVersion bool
}

func main() {
	loadDotEnv(".env")

	cfg := parseFlags()

	if cfg.showVersion {
		fmt.Printf("market-researcher %s\n", version)
		os.Exit(0)
	}

	os.Exit(run(cfg))
}

// parseFlags parses command-line flags and returns a populated cliConfig.
func parseFlags() cliConfig {
	var cfg cliConfig

	fs := flag.NewFlagSet("market-researcher", flag.ContinueOnError)
	fs.BoolVar(&cfg.serverMode, "server", false, "Start HTTP server mode")
	fs.StringVar(&cfg.bind, "bind", "", "Server bind address (default: 127.0.0.1:7910)")
	fs.StringVar(&cfg.dataDir, "data-dir", "", "Directory for digest history (default: ~/.market-researcher)")
	fs.StringVar(&cfg.configFile, "config", "", "Path to a YAML config file")
	fs.StringVar(&cfg.tickers, "tickers", "", "Comma-separated ticker symbols for a one-shot digest")
	fs.BoolVar(&cfg.verbose, "verbose", false, "Print progress events to stderr")
	fs.BoolVar(&cfg.showVersion, "version", false, "Print version and exit")

	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	// Bare positional arguments are tickers too.
	if cfg.tickers == "" && fs.NArg() > 0 {
		cfg.tickers = strings.Join(fs.Args(), ",")
	}

	return cfg
}

// run dispatches to the appropriate mode. Returns an exit code.
func run(cli cliConfig) int {
	cfg, err := web.LoadConfig(cli.configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	if cli.bind != "" {
		cfg.Bind = cli.bind
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}
	}
	if cli.dataDir != "" {
		cfg.DataDir = cli.dataDir
	}

	if cfg.TavilyAPIKey == "" {
		fmt.Fprintln(os.Stderr, "error: no search API key found")
		fmt.Fprintln(os.Stderr, "Set TAVILY_API_KEY (or RESEARCHER_TAVILY_API_KEY)")
		return 1
	}
	if cfg.GroqAPIKey == "" {
		fmt.Fprintln(os.Stderr, "error: no LLM API key found")
		fmt.Fprintln(os.Stderr, "Set GROQ_API_KEY (or RESEARCHER_GROQ_API_KEY)")
		return 1
	}

	emitter := workflow.NewEmitter()

	if cli.serverMode {
		return runServer(cfg, emitter)
	}

	if cli.tickers == "" {
		fmt.Fprintln(os.Stderr, "usage: market-researcher -tickers AAPL,MSFT  |  market-researcher -server")
		return 2
	}

	return runOnce(cli, cfg, emitter)
}

// buildAgent constructs the digest agent from live API clients.
func buildAgent(cfg *web.Config, emitter *workflow.Emitter, extra ...digest.AgentOption) *digest.Agent {
	searchClient := tavily.NewClient(cfg.TavilyAPIKey)
	reportLLM := llm.NewExtractor(cfg.GroqAPIKey, cfg.ReportModel, llm.GroqBaseURL)
	metricsLLM := llm.NewExtractor(cfg.GroqAPIKey, cfg.MetricsModel, llm.GroqBaseURL)

	agentCfg := digest.DefaultConfig()
	if cfg.MaxWorkers > 0 {
		agentCfg.MaxWorkers = cfg.MaxWorkers
	}
	agentCfg.ResearchModel = cfg.ResearchModel

	opts := []digest.AgentOption{digest.WithEmitter(emitter)}
	if cfg.DeepResearch {
		opts = append(opts, digest.WithResearchProvider(searchClient))
	}
	opts = append(opts, extra...)

	return digest.NewAgent(searchClient, reportLLM, metricsLLM, agentCfg, opts...)
}

// runOnce generates a single digest and prints it as JSON on stdout.
func runOnce(cli cliConfig, cfg *web.Config, emitter *workflow.Emitter) int {
	var tickers []string
	for _, t := range strings.Split(cli.tickers, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tickers = append(tickers, strings.ToUpper(t))
		}
	}
	if len(tickers) == 0 {
		fmt.Fprintln(os.Stderr, "error: no tickers given")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	agent := buildAgent(cfg, emitter)

	if cli.verbose {
		events, cancel := emitter.Subscribe(256)
		defer cancel()
		go func() {
			for evt := range events {
				fmt.Fprintf(os.Stderr, "[%s] %s\n", evt.Channel, evt.Message)
			}
		}()
	}

	out, err := agent.Run(ctx, tickers)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

// runServer hosts the HTTP API until interrupted.
func runServer(cfg *web.Config, emitter *workflow.Emitter) int {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "error: create data dir: %v\n", err)
		return 1
	}

	store, err := web.OpenStore(filepath.Join(cfg.DataDir, "digests.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer store.Close()

	progressLog, err := workflow.NewProgressLogger(cfg.DataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer progressLog.Close()

	logEvents, cancelLog := emitter.Subscribe(256)
	defer cancelLog()
	go func() {
		for evt := range logEvents {
			progressLog.HandleProgress(evt)
		}
	}()

	agent := buildAgent(cfg, emitter, digest.WithSchedulerEvents(progressLog.HandleScheduler))
	server := web.NewServer(*cfg, agent, store, emitter)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		log.Println("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}
