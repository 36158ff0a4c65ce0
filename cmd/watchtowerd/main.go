package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flitsinc/watchtower/internal/agents"
	"github.com/flitsinc/watchtower/internal/ai"
	"github.com/flitsinc/watchtower/internal/analysis"
	"github.com/flitsinc/watchtower/internal/api"
	"github.com/flitsinc/watchtower/internal/config"
	"github.com/flitsinc/watchtower/internal/eventbus"
	"github.com/flitsinc/watchtower/internal/extract"
	"github.com/flitsinc/watchtower/internal/geo"
	"github.com/flitsinc/watchtower/internal/intel"
	"github.com/flitsinc/watchtower/internal/metrics"
	"github.com/flitsinc/watchtower/internal/restart"
	"github.com/flitsinc/watchtower/internal/search"
	"github.com/flitsinc/watchtower/internal/state"
	"github.com/flitsinc/watchtower/internal/store"
	"github.com/flitsinc/watchtower/internal/web"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("create data dir: %v", err)
	}

	db, err := state.OpenWith(cfg.DBPath, state.Options{BusyTimeout: cfg.DBBusyTimeout})
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()
	schemaVersion, err := state.Version(db)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	eventStore, closeStore, err := openStore(startCtx, cfg, db)
	startCancel()
	if err != nil {
		log.Fatalf("open %s store: %v", cfg.StoreBackend, err)
	}
	defer closeStore()

	m := metrics.New()
	bus := eventbus.NewBus(db)

	var model ai.Completer
	var resolverModel ai.Completer
	llmClient, err := ai.NewClient(ai.Config{
		Provider: cfg.LLMProvider,
		BaseURL:  cfg.LLMBaseURL,
		Model:    cfg.LLMModel,
		APIKey:   cfg.LLMAPIKey,
		Timeout:  cfg.LLMTimeout,
	})
	if err != nil {
		log.Printf("LLM disabled: %v", err)
		model = unavailableModel{err: err}
	} else {
		model = llmClient
		resolverModel = llmClient
	}

	resolver := geo.NewResolver(resolverModel)
	resolver.Observer = m.GeocodeLookup
	extractor := extract.New(model)
	extractor.Pacing = cfg.StreamPacing
	extractor.OnFallback = m.ExtractionFallback
	pipeline := &intel.Pipeline{
		Source:    search.NewLLMSource(model),
		Extractor: extractor,
		Resolver:  resolver,
	}

	integrator := store.NewIntegrator(eventStore, store.WithDedup(store.NewDedup(0, cfg.DedupTTL)))
	integrator.OnAdded = m.EventsAdded

	manager := agents.NewManager(pipeline, integrator,
		agents.WithTimings(agents.Timings{
			InitialDelay:  cfg.AgentInitialDelay,
			Interval:      cfg.AgentInterval,
			RetryInterval: cfg.AgentRetryInterval,
			StopGrace:     agents.DefaultTimings().StopGrace,
			BatchSize:     cfg.AgentBatchSize,
		}),
		agents.WithActivity(bus),
		agents.WithMetrics(m),
	)

	handoff, err := restart.Listen(cfg.HTTPAddr)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	listener := handoff.Listener
	if len(handoff.Terms) > 0 {
		if _, err := manager.Deploy(handoff.Terms); err != nil {
			log.Printf("resume agents: %v", err)
		} else {
			log.Printf("resumed %d search agents from previous process", len(handoff.Terms))
		}
	}

	var httpServer *http.Server
	serverCtx, serverCancel := context.WithCancel(context.Background())

	restarter := &restart.Restarter{
		Listener: listener,
		Args:     os.Args,
		Env:      os.Environ(),
		Terms:    manager.Terms,
	}
	restartFn := func() error {
		if err := restarter.Restart(); err != nil {
			return err
		}
		go func() {
			time.Sleep(750 * time.Millisecond)
			serverCancel()
			manager.Close()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(ctx)
			os.Exit(0)
		}()
		return nil
	}

	var assistant *analysis.Assistant
	if llmClient != nil {
		assistant = &analysis.Assistant{Model: llmClient, Events: integrator.List}
	}

	apiServer := &api.Server{
		Agents:       manager,
		Pipeline:     pipeline,
		Integrator:   integrator,
		Bus:          bus,
		Metrics:      m,
		Assistant:    assistant,
		Restart:      restartFn,
		RestartToken: cfg.RestartToken,
		StartedAt:    time.Now().UTC(),
		Info: api.DiagnosticsInfo{
			HTTPAddr:     cfg.HTTPAddr,
			DataDir:      cfg.DataDir,
			DBPath:       cfg.DBPath,
			DBSchema:     schemaVersion,
			WebDir:       cfg.WebDir,
			StoreBackend: cfg.StoreBackend,
			LLMProvider:  cfg.LLMProvider,
			LLMBaseURL:   cfg.LLMBaseURL,
			LLMModel:     cfg.LLMModel,
			LLMKeySet:    cfg.LLMAPIKey != "",
		},
	}
	webServer := &web.Server{Dir: cfg.WebDir}

	apiHandler := apiServer.Handler()
	mux := http.NewServeMux()
	mux.Handle("/api/", apiHandler)
	mux.Handle("/metrics", apiHandler)
	mux.Handle("/", webServer.Handler())

	httpServer = &http.Server{
		Handler:           loggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return serverCtx
		},
	}

	go func() {
		log.Printf("watchtowerd listening on %s (store: %s)", listener.Addr(), cfg.StoreBackend)
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	// Streaming handlers watch serverCtx; cancel it so Shutdown is not held
	// open by subscribers.
	serverCancel()
	manager.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
	_ = httpServer.Close()
}

// openStore builds the configured events document backend. The returned
// close func releases any backend connections.
func openStore(ctx context.Context, cfg config.Config, db *sql.DB) (store.Store, func(), error) {
	noop := func() {}
	switch cfg.StoreBackend {
	case store.BackendSQLite:
		return store.NewSQLiteStore(db), noop, nil
	case store.BackendPostgres:
		pool, err := store.ConnectPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return store.NewPostgresStore(pool), pool.Close, nil
	case store.BackendS3:
		s, err := store.NewS3Store(ctx, store.S3Config{
			Bucket:       cfg.S3.Bucket,
			Key:          cfg.S3.Key,
			Region:       cfg.S3.Region,
			Endpoint:     cfg.S3.Endpoint,
			UsePathStyle: cfg.S3.Endpoint != "",
		})
		if err != nil {
			return nil, nil, err
		}
		return s, noop, nil
	default:
		return store.NewFileStore(cfg.EventsPath), noop, nil
	}
}

// unavailableModel stands in when no LLM is configured so searches fail with
// a clear error instead of a nil dereference.
type unavailableModel struct {
	err error
}

func (u unavailableModel) Complete(context.Context, ai.Request) (ai.Response, error) {
	return ai.Response{}, u.err
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}
