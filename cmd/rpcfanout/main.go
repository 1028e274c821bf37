package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"rpcfanout/internal/config"
	"rpcfanout/internal/jsonrpc"
	"rpcfanout/internal/logging"
	"rpcfanout/internal/report"
	"rpcfanout/internal/runner"
	"rpcfanout/internal/server"
)

const usage = `usage:
  rpcfanout run   -config config.json -input requests.json [flags]
  rpcfanout serve -config config.json
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = runCommand(os.Args[2:])
	case "serve":
		err = serveCommand(os.Args[2:])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	if err != nil {
		log := zerolog.New(os.Stderr).With().Timestamp().Logger()
		log.Fatal().Err(err).Msg("rpcfanout failed")
	}
}

// runCommand dispatches a request file once and writes the report
func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "config.json", "path to config file")
	inputPath := fs.String("input", "-", "request file: JSON-RPC batch array or one request per line (- for stdin)")
	outputPath := fs.String("output", "-", "report file (- for stdout)")
	pretty := fs.Bool("pretty", false, "indent the report")
	concurrency := fs.Int("concurrency", 0, "worker count")
	batchSize := fs.Int("batch-size", 0, "requests per composite call, 0 disables batching")
	continueOnError := fs.Bool("continue-on-error", true, "keep executing a composite after a failed item")
	captureTiming := fs.Bool("timing", false, "record start, end and elapsed time per request")
	reference := fs.String("reference", "", "correlation reference: none, id, method or param:<n>")
	orderByIndex := fs.Bool("order-by-index", false, "list outcomes by submission index instead of completion order")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	opts := runner.OptionsFromConfig(cfg.Dispatch)
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "concurrency":
			opts.Concurrency = *concurrency
		case "batch-size":
			opts.BatchSize = *batchSize
		case "continue-on-error":
			opts.ContinueOnError = *continueOnError
		case "timing":
			opts.CaptureTiming = *captureTiming
		case "reference":
			opts.Reference = *reference
		case "order-by-index":
			opts.OrderByIndex = *orderByIndex
		}
	})
	if opts.BatchSize < 0 {
		return fmt.Errorf("batch-size must be non-negative")
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	requests, err := readRequests(*inputPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer srv.Close()

	summary, err := srv.Runner().Run(ctx, requests, opts)
	if err != nil {
		return err
	}

	out := io.Writer(os.Stdout)
	if *outputPath != "-" {
		f, err := os.Create(*outputPath)
		if err != nil {
			return fmt.Errorf("failed to create report file: %w", err)
		}
		defer f.Close()
		out = f
	}
	if err := report.Write(out, summary, *pretty); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}

	logger.Info().
		Str("runId", summary.RunID).
		Int("total", summary.Total).
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Int64("durationMs", summary.DurationMs).
		Msg("run finished")
	return nil
}

// readRequests reads a JSON array of requests or one request per line
func readRequests(path string) ([]*jsonrpc.Request, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read requests: %w", err)
	}

	var requests []*jsonrpc.Request
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '[' {
		requests, _, err = jsonrpc.ParseBatchRequest(trimmed)
	} else {
		requests, err = jsonrpc.ParseRequestLines(data)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse requests: %w", err)
	}
	if requests == nil {
		requests = []*jsonrpc.Request{}
	}
	return requests, nil
}

// serveCommand runs the HTTP endpoint until SIGINT or SIGTERM
func serveCommand(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "config.json", "path to config file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	logger.Info().
		Str("config", *configPath).
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Int("upstreams", len(cfg.Upstreams)).
		Msg("starting rpcfanout")

	srv, err := server.New(context.Background(), cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("error during shutdown")
	}
	return nil
}
