package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/dshills/flowrun/config"
	"github.com/dshills/flowrun/flow"
	"github.com/dshills/flowrun/flow/emit"
	"github.com/dshills/flowrun/flow/node"
	"github.com/dshills/flowrun/knowledge"
	"github.com/dshills/flowrun/queue"
	"github.com/dshills/flowrun/secret"
	"github.com/dshills/flowrun/service"
	"github.com/dshills/flowrun/store"
)

// runtime holds the shared wiring behind the worker and poller commands.
type runtime struct {
	cfg       config.Config
	logger    zerolog.Logger
	store     store.Store
	queue     queue.Queue
	engine    *flow.Engine
	knowledge *knowledge.Service
	execution *service.Execution
}

// newRuntime wires the store, queue, knowledge service and engine from the
// loaded configuration.
func newRuntime() (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	st, err := openStore(cfg.Store)
	if err != nil {
		return nil, err
	}

	q := queue.NewRedisQueue(redis.NewClient(&redis.Options{Addr: cfg.Queue.Redis.Addr()}))

	ks := knowledge.NewService(st, knowledge.WithLogger(logger))
	secrets := secretsFromEnv()

	engine := flow.NewEngine(st, node.DefaultRegistry(nil),
		flow.WithLogger(logger),
		flow.WithEmitter(emit.NewLogEmitter(logger)),
		flow.WithBounds(cfg.Execution.Bounds()),
		flow.WithCapabilities(flow.Capabilities{
			GetAPIKey:         secrets.GetKey,
			IngestKnowledge:   ks.Ingest,
			RetrieveKnowledge: ks.Retrieve,
		}),
	)

	return &runtime{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		queue:     q,
		engine:    engine,
		knowledge: ks,
		execution: service.NewExecution(st, q, service.WithExecutionLogger(logger)),
	}, nil
}

func (r *runtime) close() {
	r.queue.Close()
	r.store.Close()
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return store.NewSQLiteStore(cfg.DSN)
	case "mysql":
		return store.NewMySQLStore(cfg.DSN)
	case "memory":
		return store.NewMemStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// secretsFromEnv builds a static secret store from FLOWRUN_API_KEY_<PROVIDER>
// variables, applied as global defaults.
func secretsFromEnv() *secret.StaticStore {
	s := secret.NewStaticStore()
	for _, provider := range []string{"gemini", "groq", "anthropic"} {
		if key := os.Getenv("FLOWRUN_API_KEY_" + strings.ToUpper(provider)); key != "" {
			s.Set("*", provider, key)
		}
	}
	return s
}
