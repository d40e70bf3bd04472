package cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"trivia-live/internal/app"
	"trivia-live/internal/config"
	"trivia-live/internal/infra/memory"
	"trivia-live/internal/infra/quizapi"
	redisinfra "trivia-live/internal/infra/redis"
	transport "trivia-live/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the session host.
func NewStartCmd(configPath, port, apiBaseURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the trivia session host",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port, *apiBaseURL)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag, apiFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	setupLogging(cfg.Log.Level)

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "3001"
	}

	baseURL := apiFlag
	if baseURL == "" {
		baseURL = cfg.API.BaseURL
	}
	if baseURL == "" {
		baseURL = "http://localhost:8000"
	}

	api := quizapi.NewClient(baseURL, config.DurationOr(cfg.API.Timeout, 10*time.Second))

	cacheTTL := config.DurationOr(cfg.Redis.TTL, time.Hour)
	var cache app.AnswerCache = memory.NewAnswerCache(cacheTTL)
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		cache = redisinfra.NewAnswerCache(client, cacheTTL)
	}

	hub := transport.NewHub()
	game := app.NewGame(api, cache, hub, clockwork.NewRealClock(), app.GameConfig{
		QuestionTimeLimit: config.DurationOr(cfg.Quiz.QuestionTimeLimit, 15*time.Second),
		RevealDelay:       config.DurationOr(cfg.Quiz.RevealDelay, 5*time.Second),
		DisconnectGrace:   config.DurationOr(cfg.Quiz.DisconnectGrace, 30*time.Second),
	})
	wsHandler := transport.NewWSHandler(game, hub)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ws", wsHandler.ServeWS)

	// The frontend is served from another origin.
	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	}).Handler(mux)

	server := &http.Server{
		Addr:         ":" + finalPort,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Info().Str("port", finalPort).Str("quiz_api", baseURL).Msg("starting trivia session host")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("failed to start server")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Info().Msg("shutting down server...")
	case <-ctx.Done():
		log.Info().Msg("context canceled, shutting down server...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func setupLogging(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}
