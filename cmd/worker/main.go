package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/studyqa/internal/ai"
	"github.com/seanblong/studyqa/internal/config"
	"github.com/seanblong/studyqa/internal/generate"
	"github.com/seanblong/studyqa/internal/jobs"
	"github.com/seanblong/studyqa/internal/search"
	"github.com/seanblong/studyqa/internal/store"
	"github.com/seanblong/studyqa/internal/synth"
	"github.com/spf13/pflag"
)

func main() {
	fs := pflag.NewFlagSet("studyqa-worker", pflag.ExitOnError)

	cfg, err := config.Load("", fs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	fs.Usage = cfg.Usage

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Str("log_level", cfg.LogLevel).Msg("invalid log level")
	}
	log.Logger = zerolog.New(os.Stdout).Level(level).With().Timestamp().Str("service", "worker").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clientConfig, err := cfg.ClientConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid provider")
	}
	c, err := ai.NewClient(ctx, clientConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create AI client")
	}

	st, err := store.New(ctx, cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer st.Close()
	if err := st.Migrate(ctx, c.Dim()); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate database")
	}

	rdb, err := jobs.Connect(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to job queue")
	}
	defer rdb.Close()

	queue := jobs.NewQueue(rdb)
	gen := generate.New(c, cfg.GenerateConfig())
	orch := synth.New(search.NewService(c, st), gen, cfg.SynthConfig(), synth.WithPhaseReporter(queue))

	log.Info().Str("provider", gen.Provider()).Str("model", gen.Model()).Msg("worker ready")
	if err := jobs.NewWorker(queue, st, orch).Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("worker failed")
	}
}
