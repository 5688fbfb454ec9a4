package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"

	"github.com/tarungka/reflow/internal/executor"
	"github.com/tarungka/reflow/internal/logger"
	"github.com/tarungka/reflow/internal/pipeline"
	"github.com/tarungka/reflow/server"
)

var buildString = "unknown"

// Exit codes: 0 clean shutdown, 1 fatal pipeline error, 2 build or
// validation failure.
const (
	exitOK    = 0
	exitFatal = 1
	exitBuild = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	ko := koanf.New(".")
	if code, done := initFlags(ko); done {
		return code
	}

	if ko.Bool("dev") {
		logger.SetDevelopment(true)
	}
	if path := ko.String("log-file"); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open log file: %v\n", err)
			return exitBuild
		}
		defer f.Close()
		logger.SetLogFile(f)
	}
	if level, err := zerolog.ParseLevel(ko.String("log-level")); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	log := logger.GetLogger("main")
	log.Info().Str("build", buildString).Msg("starting reflow")

	cfg, err := pipeline.Load(ko)
	if err != nil {
		log.Error().Err(err).Msg("configuration rejected")
		return exitBuild
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pipe, err := pipeline.Build(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("pipeline build failed")
		return exitBuild
	}

	exec, err := executor.New(pipe.Dag, cfg.ExecutorConfig())
	if err != nil {
		log.Error().Err(err).Msg("executor setup failed")
		return exitBuild
	}

	var srv *server.Server
	if addr := ko.String("status-addr"); addr != "" {
		srv = server.New(addr, pipe, exec.RunID())
		go func() {
			if err := srv.Run(); err != nil {
				log.Error().Err(err).Msg("status server failed")
			}
		}()
		defer srv.Shutdown()
	}

	// First signal drains gracefully; a second aborts.
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		log.Info().Msg("shutdown requested, draining")
		exec.Stop()
		<-signals
		log.Warn().Msg("second signal, aborting")
		cancel()
	}()

	if err := exec.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		var execErr *executor.ExecutionError
		if errors.As(err, &execErr) {
			log.Error().Str("node", execErr.Node).Err(execErr.Cause).Msg("pipeline failed")
		} else {
			log.Error().Err(err).Msg("pipeline failed")
		}
		return exitFatal
	}
	return exitOK
}
