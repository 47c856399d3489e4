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
	"github.com/seanblong/studyqa/internal/indexer"
	"github.com/seanblong/studyqa/internal/segment"
	"github.com/seanblong/studyqa/internal/store"
	"github.com/spf13/pflag"
)

func main() {
	fs := pflag.NewFlagSet("studyqa-indexer", pflag.ExitOnError)

	cfg, err := config.Load("", fs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	fs.Usage = cfg.Usage

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Str("log_level", cfg.LogLevel).Msg("invalid log level")
	}
	log.Logger = zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clientConfig, err := cfg.ClientConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid provider")
	}
	log.Info().Str("provider", string(clientConfig.Provider)).Msg("using provider")
	c, err := ai.NewClient(ctx, clientConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create AI client")
	}
	if c.Dim() == 0 {
		log.Fatal().Msg("embedding dimension must be set")
	}

	st, err := store.New(ctx, cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer st.Close()
	if err := st.Migrate(ctx, c.Dim()); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate database")
	}

	seg, err := segment.New(cfg.Chunking.Size, cfg.Chunking.Overlap, segment.WithTokenizer(segment.NewTokenizer(cfg.Chunking.Encoding)))
	if err != nil {
		log.Fatal().Err(err).Msg("invalid chunking configuration")
	}

	ix := indexer.New(st, c, seg, cfg.DocsRoot, store.CollectionFor(cfg.IndexUser), cfg.EmbedBatchSize)
	if err := ix.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("indexing failed")
	}
	log.Info().Str("root", cfg.DocsRoot).Str("collection", ix.Collection).Msg("indexing complete")
}
