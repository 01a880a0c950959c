// Command worker runs the report-matching loop: it consumes submitted
// lost and found reports from the job queue, embeds each image through
// the embedding sidecar, matches it against the persisted vector index,
// and writes outcomes to the job store.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/nats-io/nats.go"

	"github.com/FoundlyHQ/foundly-mvp/engine/jobstore"
	"github.com/FoundlyHQ/foundly-mvp/engine/vecindex"
	"github.com/FoundlyHQ/foundly-mvp/engine/worker"
	"github.com/FoundlyHQ/foundly-mvp/pkg/embedder"
	"github.com/FoundlyHQ/foundly-mvp/pkg/kv"
	"github.com/FoundlyHQ/foundly-mvp/pkg/metrics"
	"github.com/FoundlyHQ/foundly-mvp/pkg/queue"
	"github.com/FoundlyHQ/foundly-mvp/pkg/resilience"
)

var met = metrics.New()

// Config is the worker process configuration. Defaults suit a local
// single-node deployment; a YAML file overrides them wholesale.
type Config struct {
	NATSURL      string        `yaml:"nats_url"`
	Stream       string        `yaml:"stream"`
	Subject      string        `yaml:"subject"`
	Durable      string        `yaml:"durable"`
	EmbedURL     string        `yaml:"embed_url"`
	EmbedDim     int           `yaml:"embed_dim"`
	EmbedTimeout time.Duration `yaml:"embed_timeout"`
	KVBackend    string        `yaml:"kv_backend"` // "nats" or "badger"
	DataDir      string        `yaml:"data_dir"`   // badger only
	IndexPath    string        `yaml:"index_path"`
	MetaPath     string        `yaml:"meta_path"`
	RetentionTTL time.Duration `yaml:"retention_ttl"`
	PollWait     time.Duration `yaml:"poll_wait"`
	TopK         int           `yaml:"top_k"`
	MetricsPort  int           `yaml:"metrics_port"`
}

func defaultConfig() Config {
	return Config{
		NATSURL:      nats.DefaultURL,
		Stream:       queue.DefaultStream,
		Subject:      queue.DefaultSubject,
		Durable:      queue.DefaultDurable,
		EmbedURL:     "http://localhost:8500",
		EmbedDim:     2048,
		EmbedTimeout: 30 * time.Second,
		KVBackend:    "nats",
		DataDir:      "/var/lib/foundly/kv",
		IndexPath:    "/var/lib/foundly/items.index",
		MetaPath:     "/var/lib/foundly/items.meta",
		RetentionTTL: jobstore.DefaultTTL,
		PollWait:     2 * time.Second,
		MetricsPort:  9092,
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
		natsURL = flag.String("nats", "", "NATS server URL (overrides config)")
		dataDir = flag.String("data", "", "KV data directory (overrides config)")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		logger.Error("config load failed", "path", *cfgPath, "error", err)
		os.Exit(1)
	}
	if *natsURL != "" {
		cfg.NATSURL = *natsURL
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	met.CollectRuntime("foundly_worker", 15*time.Second)
	met.ServeAsync(cfg.MetricsPort)

	if err := run(cfg, logger); err != nil {
		logger.Error("worker exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name("foundly-worker"),
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
	logger.Info("connected to queue", "url", cfg.NATSURL, "stream", cfg.Stream, "durable", cfg.Durable)

	handle, err := vecindex.Open(cfg.IndexPath, cfg.MetaPath, cfg.EmbedDim)
	if err != nil {
		return err
	}
	// Seed the reload token so startup does not count as a pending
	// reload; the copy just loaded is already current.
	if tok, err := store.ReloadToken(ctx); err == nil {
		handle.SetToken(tok)
	}
	logger.Info("index loaded", "rows", handle.Index().Len(), "tombstones", handle.Index().Tombstones())

	w := worker.New(worker.Deps{
		Queue:        q,
		Embedder:     embedder.NewHTTP(cfg.EmbedURL, cfg.EmbedDim),
		Index:        handle,
		Store:        store,
		Logger:       logger,
		Metrics:      met,
		Breaker:      resilience.NewBreaker(resilience.DefaultBreakerOpts),
		PollWait:     cfg.PollWait,
		EmbedTimeout: cfg.EmbedTimeout,
		K:            cfg.TopK,
	})
	return w.Run(ctx)
}

// openKV picks the record store backend. NATS KV is the default so the
// gateway and worker processes share records; Badger serves single-node
// setups where only the worker touches the store.
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
