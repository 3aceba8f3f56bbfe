// Command rocksbridge tails a RocksDB-backed store's write-ahead log and
// replays the decoded operations to a Redis-protocol sink.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/rocksbridge/rocksbridge/pkg/checkpoint"
	"github.com/rocksbridge/rocksbridge/pkg/config"
	"github.com/rocksbridge/rocksbridge/pkg/decode"
	"github.com/rocksbridge/rocksbridge/pkg/engine"
	"github.com/rocksbridge/rocksbridge/pkg/stats"
	"github.com/rocksbridge/rocksbridge/pkg/status"
	"github.com/rocksbridge/rocksbridge/pkg/storage"
	"github.com/rocksbridge/rocksbridge/pkg/writer"
)

func main() {
	var (
		configPath = flag.String("c", "rocksbridge.yaml", "path to the YAML config file")
		pidFile    = flag.String("p", "", "pid file path (overrides config)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rocksbridge: %v\n", err)
		os.Exit(1)
	}
	if *pidFile != "" {
		cfg.PidFile = *pidFile
	}

	log, closeLog, err := newLogger(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rocksbridge: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	if err := run(cfg, log); err != nil {
		log.Error().Err(err).Msg("exiting")
		closeLog()
		os.Exit(1)
	}
}

func run(cfg config.Config, log zerolog.Logger) error {
	if cfg.PidFile != "" {
		if err := writePidFile(cfg.PidFile); err != nil {
			return err
		}
		defer os.Remove(cfg.PidFile)
	}

	counters := stats.New()

	src, err := storage.OpenReadOnly(cfg.Source.Dir, storage.Options{
		MaxOpenFiles: cfg.Source.MaxOpenFiles,
	}, log)
	if err != nil {
		return fmt.Errorf("open source store: %w", err)
	}
	defer src.Close()

	backoff := &writer.ExponentialBackoff{
		Initial:      cfg.Retry.InitialDelay,
		Max:          cfg.Retry.MaxDelay,
		Multiplier:   cfg.Retry.Multiplier,
		MaxAttempts:  cfg.Retry.MaxAttempts,
		JitterFactor: cfg.Retry.JitterFactor,
	}
	sink := writer.New(writer.Config{
		Addr:          cfg.Sink.Addr,
		Password:      cfg.Sink.Password,
		Databases:     cfg.Sink.Namespaces,
		MaxPendingOps: cfg.Sink.MaxPendingOps,
		DialTimeout:   cfg.Sink.DialTimeout,
		IOTimeout:     cfg.Sink.IOTimeout,
		ListReplay:    writer.ListReplayMode(cfg.Sink.ListReplay),
	}, backoff, counters, log)
	defer sink.Close()

	ckpt := checkpoint.NewStore(cfg.Checkpoint.Path)
	dec := decode.New(src, cfg.NamespaceList(), counters, log)

	eng := engine.New(engine.Config{
		Namespaces:     cfg.NamespaceList(),
		PollInterval:   cfg.Source.PollInterval,
		MaxRetryWindow: cfg.Engine.RetryWindow,
		LagThreshold:   cfg.Engine.LagThreshold,
	}, src, sink, ckpt, dec, counters, log)

	if cfg.Status.Enabled {
		statusSrv := status.NewServer(cfg.Status.Addr, eng, log)
		statusSrv.Start()
		defer statusSrv.Stop()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("shutdown requested")
		eng.RequestStop()
	}()

	return eng.Run(context.Background())
}

// newLogger builds the process logger. With a file configured it writes
// JSON lines there; otherwise it writes console output to stderr.
func newLogger(cfg config.LoggerConfig) (zerolog.Logger, func(), error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Logger{}, nil, fmt.Errorf("logger.level: %w", err)
	}

	closeLog := func() {}
	var log zerolog.Logger
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Logger{}, nil, fmt.Errorf("open log file: %w", err)
		}
		closeLog = func() { f.Close() }
		log = zerolog.New(f).Level(level).With().Timestamp().Logger()
	} else {
		out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		log = zerolog.New(out).Level(level).With().Timestamp().Logger()
	}
	return log, closeLog, nil
}

func writePidFile(path string) error {
	pid := strconv.Itoa(os.Getpid())
	if err := os.WriteFile(path, []byte(pid+"\n"), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}
