// Command pulse runs a small demo service with the observability engine
// mounted, for trying out the dashboard API and probe sweeps locally.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/parhamdavari/pulse"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	cfg = cfg.applyEnv()
	setupLogging(cfg.LogLevel)

	engineCfg, err := cfg.pulseConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	var opts []pulse.Option
	if cfg.Prometheus {
		opts = append(opts, pulse.WithSink(pulse.NewPrometheusSink(prometheus.DefaultRegisterer)))
	}

	engine, err := pulse.New(engineCfg, opts...)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create engine")
	}
	defer engine.Close()

	r := chi.NewRouter()
	r.Use(engine.Middleware())
	addDemoRoutes(r)
	if cfg.Prometheus {
		r.Handle("/metrics", promhttp.Handler())
	}
	engine.Mount(r)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Str("listen", cfg.Listen).Msg("demo server up")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
		os.Exit(1)
	}
}

func setupLogging(level string) {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}

// addDemoRoutes registers a toy API with a mix of fast, slow, and flaky
// endpoints, so the dashboard has something to show.
func addDemoRoutes(r chi.Router) {
	r.Get("/items", func(w http.ResponseWriter, _ *http.Request) {
		writeBody(w, http.StatusOK, `{"items": []}`)
	})
	r.Get("/items/{itemID}", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "itemID")
		writeBody(w, http.StatusOK, fmt.Sprintf(`{"id": %q}`, id))
	})
	r.Post("/items", func(w http.ResponseWriter, _ *http.Request) {
		writeBody(w, http.StatusCreated, `{"created": true}`)
	})
	r.Get("/slow", func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(time.Duration(200+rand.Intn(800)) * time.Millisecond)
		writeBody(w, http.StatusOK, `{"eventually": true}`)
	})
	r.Get("/flaky", func(w http.ResponseWriter, _ *http.Request) {
		if rand.Intn(3) == 0 {
			writeBody(w, http.StatusInternalServerError, `{"error": "bad luck"}`)
			return
		}
		writeBody(w, http.StatusOK, `{"lucky": true}`)
	})
}

func writeBody(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
