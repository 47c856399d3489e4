package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/studyqa/internal/ai"
	"github.com/seanblong/studyqa/internal/auth"
	"github.com/seanblong/studyqa/internal/config"
	"github.com/seanblong/studyqa/internal/generate"
	"github.com/seanblong/studyqa/internal/indexer"
	"github.com/seanblong/studyqa/internal/jobs"
	"github.com/seanblong/studyqa/internal/search"
	"github.com/seanblong/studyqa/internal/segment"
	"github.com/seanblong/studyqa/internal/store"
	"github.com/seanblong/studyqa/internal/synth"
	"github.com/spf13/pflag"
)

func main() {
	fs := pflag.NewFlagSet("studyqa-api", pflag.ExitOnError)

	cfg, err := config.Load("", fs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	fs.Usage = cfg.Usage

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Str("log_level", cfg.LogLevel).Msg("invalid log level")
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	log.Logger = logger
	logger.Info().Str("provider", cfg.Provider).Str("log_level", cfg.LogLevel).Bool("auth_enabled", cfg.Auth.Enabled).Msg("starting studyqa api")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	authn, err := auth.New(cfg.AuthConfig())
	if err != nil {
		log.Fatal().Err(err).Msg("invalid auth configuration")
	}

	clientConfig, err := cfg.ClientConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid provider")
	}
	c, err := ai.NewClient(ctx, clientConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create AI client")
	}
	logger.Info().Int("embedding_dim", c.Dim()).Str("model", c.Model()).Msg("AI client initialized")

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

	seg, err := segment.New(cfg.Chunking.Size, cfg.Chunking.Overlap, segment.WithTokenizer(segment.NewTokenizer(cfg.Chunking.Encoding)))
	if err != nil {
		log.Fatal().Err(err).Msg("invalid chunking configuration")
	}
	ix := indexer.New(st, c, seg, "", "", cfg.EmbedBatchSize)

	svc := search.NewService(c, st)
	if err := svc.Check(); err != nil {
		log.Fatal().Err(err).Msg("retriever unavailable")
	}
	gen := generate.New(c, cfg.GenerateConfig())
	orch := synth.New(svc, gen, cfg.SynthConfig())

	srv := &server{
		auth:          authn,
		documents:     ix,
		lister:        st,
		retriever:     svc,
		answerer:      orch,
		jobs:          jobs.NewQueue(rdb),
		notes:         st,
		ingestTimeout: 5 * time.Minute,
		answerTimeout: 10 * time.Minute,
	}

	handler := hlog.NewHandler(logger)(
		hlog.AccessHandler(func(r *http.Request, status, size int, dur time.Duration) {
			hlog.FromRequest(r).Info().Str("method", r.Method).Str("path", r.URL.Path).Int("status", status).Int("size", size).Dur("dur", dur).Msg("http")
		})(srv.routes()),
	)

	s := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown failed")
		}
	}()

	logger.Info().Str("addr", s.Addr).Msg("api server listening")
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}
}
