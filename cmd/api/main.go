// Command api serves the lost & found HTTP gateway: report submission,
// result and job lookup, listings, and report deletion.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/nats-io/nats.go"

	"github.com/FoundlyHQ/foundly-mvp/engine/jobstore"
	"github.com/FoundlyHQ/foundly-mvp/engine/recon"
	"github.com/FoundlyHQ/foundly-mvp/pkg/kv"
	"github.com/FoundlyHQ/foundly-mvp/pkg/metrics"
	"github.com/FoundlyHQ/foundly-mvp/pkg/mid"
	"github.com/FoundlyHQ/foundly-mvp/pkg/queue"
)

var met = metrics.New()

// Config is the gateway process configuration.
type Config struct {
	Port         string        `yaml:"port"`
	NATSURL      string        `yaml:"nats_url"`
	Stream       string        `yaml:"stream"`
	Subject      string        `yaml:"subject"`
	Durable      string        `yaml:"durable"`
	KVBackend    string        `yaml:"kv_backend"` // "nats" or "badger"
	DataDir      string        `yaml:"data_dir"`   // badger only
	IndexPath    string        `yaml:"index_path"`
	MetaPath     string        `yaml:"meta_path"`
	EmbedDim     int           `yaml:"embed_dim"`
	RetentionTTL time.Duration `yaml:"retention_ttl"`
	CORSOrigin   string        `yaml:"cors_origin"`
	RateRPS      float64       `yaml:"rate_rps"`
	RateBurst    int           `yaml:"rate_burst"`
}

func defaultConfig() Config {
	return Config{
		Port:         "8080",
		NATSURL:      nats.DefaultURL,
		Stream:       queue.DefaultStream,
		Subject:      queue.DefaultSubject,
		Durable:      queue.DefaultDurable,
		KVBackend:    "nats",
		DataDir:      "/var/lib/foundly/kv",
		IndexPath:    "/var/lib/foundly/items.index",
		MetaPath:     "/var/lib/foundly/items.meta",
		EmbedDim:     2048,
		RetentionTTL: jobstore.DefaultTTL,
		CORSOrigin:   "*",
		RateRPS:      20,
		RateBurst:    40,
	}
}

func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func main() {
	var (
		cfgPath = flag.String("config", "", "YAML config file")
		port    = flag.String("port", "", "listen port (overrides config)")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		logger.Error("config load failed", "path", *cfgPath, "error", err)
		os.Exit(1)
	}
	if *port != "" {
		cfg.Port = *port
	}

	met.CollectRuntime("foundly_api", 15*time.Second)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name("foundly-api"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return err
	}
	defer nc.Drain()

	kvStore, err := openKV(cfg, nc)
	if err != nil {
		return err
	}
	defer kvStore.Close()
	store := jobstore.New(kvStore, cfg.RetentionTTL)

	q, err := queue.New(nc, cfg.Stream, cfg.Subject, cfg.Durable)
	if err != nil {
		return err
	}

	srv := &server{
		store: store,
		rec:   recon.New(store, cfg.IndexPath, cfg.MetaPath, cfg.EmbedDim, logger),
		queue: q,
		log:   logger,
	}

	mux := srv.routes()
	mux.Handle("GET /metrics", met.Handler())

	handler := mid.Chain(mux,
		mid.Recover(logger),
		mid.Logger(logger),
		mid.CORS(cfg.CORSOrigin),
		mid.RateLimit(cfg.RateRPS, cfg.RateBurst),
		mid.OTel("foundly-api"),
	)

	httpSrv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Port)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutCtx)
}

func openKV(cfg Config, nc *nats.Conn) (kv.Store, error) {
	switch cfg.KVBackend {
	case "badger":
		return kv.NewBadger(kv.BadgerOptions{Dir: cfg.DataDir})
	default:
		return kv.NewNATS(kv.NATSOptions{
			Conn:          nc,
			RecordsBucket: "foundly_records",
			RecordsTTL:    cfg.RetentionTTL,
			MetaBucket:    "foundly_meta",
		})
	}
}
