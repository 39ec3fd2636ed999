package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/skywalker-88/coresgate/internal/bus"
	"github.com/skywalker-88/coresgate/internal/detect"
	"github.com/skywalker-88/coresgate/internal/httpserver"
	"github.com/skywalker-88/coresgate/internal/mitigate"
	"github.com/skywalker-88/coresgate/pkg/config"
	"github.com/skywalker-88/coresgate/pkg/metrics"
)

func main() {
	// ------- Logging setup -------
	// Console pretty logs by default; LOG_FILE switches to rotated JSON logs.
	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	if path := os.Getenv("LOG_FILE"); path != "" {
		out = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    64, // MB
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		}
	}
	log.Logger = log.Output(out)
	switch strings.ToLower(getenv("LOG_LEVEL", "info")) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	metrics.RegisterDetectorMetrics(prometheus.DefaultRegisterer)

	// ---- Event bus + live configuration ----
	b := bus.New()

	cfgPath := getenv("CORESGATE_CONFIG", "configs/configuration.json")
	manager, err := config.NewManager(cfgPath, b)
	if err != nil {
		log.Fatal().Err(err).Str("config", cfgPath).Msg("load config")
	}
	view := manager.Current()

	// ---- Detector ----
	detector := detect.New(view, b)

	// ---- Mitigation actuator ----
	// The actuator is wired even when the initial view disables mitigation:
	// a reload can enable it at runtime.
	rdb := redis.NewClient(&redis.Options{
		Addr:     getenv("REDIS_ADDR", "redis:6379"),
		Password: "",
		DB:       0,
	})
	actuator := mitigate.NewRedisActuator(rdb)
	mitigate.NewDispatcher(actuator, b, view.EventNames)

	// Non-fatal Redis ping; stale marks from a previous run are cleared.
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Msg("redis not reachable yet")
	} else if removed, err := actuator.Reset(ctx); err != nil {
		log.Warn().Err(err).Msg("could not clear stale mitigation marks")
	} else if removed > 0 {
		log.Info().Int("removed", removed).Msg("cleared stale mitigation marks")
	}
	cancel()

	// ---- HTTP surface ----
	router := httpserver.NewRouter(httpserver.RouterDeps{
		Bus:      b,
		Detector: detector,
		Names:    view.EventNames,
	})

	addr := getenv("CORESGATE_HTTP_ADDR", ":8080")
	log.Info().
		Str("addr", addr).
		Str("config", cfgPath).
		Str("log_level", zerolog.GlobalLevel().String()).
		Bool("mitigation", view.Mitigation != nil).
		Msg("coresgate starting")

	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,  // slowloris protection
		WriteTimeout:      15 * time.Second, // bound handler writes
		IdleTimeout:       60 * time.Second, // keep-alive lifetime
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server stopped unexpectedly")
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("shutdown requested; draining")

	httpserver.SetDraining(true)

	shCtx, shCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shCancel()
	if err := srv.Shutdown(shCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown did not complete in time; forcing close")
		_ = srv.Close()
	} else {
		log.Info().Msg("http server shut down cleanly")
	}

	// Join the config watcher before closing external resources.
	manager.Stop()

	if err := rdb.Close(); err != nil {
		log.Warn().Err(err).Msg("redis close")
	} else {
		log.Info().Msg("redis closed")
	}

	log.Info().Msg("coresgate exited")
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
