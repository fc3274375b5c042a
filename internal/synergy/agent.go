// Package synergy wires the detection engine into a long-running agent.
package synergy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/saaga0h/jeeves-synergy/internal/synergy/cache"
	"github.com/saaga0h/jeeves-synergy/internal/synergy/chain"
	"github.com/saaga0h/jeeves-synergy/internal/synergy/detect"
	"github.com/saaga0h/jeeves-synergy/internal/synergy/enrich"
	"github.com/saaga0h/jeeves-synergy/internal/synergy/events"
	"github.com/saaga0h/jeeves-synergy/internal/synergy/feedback"
	"github.com/saaga0h/jeeves-synergy/internal/synergy/lifecycle"
	"github.com/saaga0h/jeeves-synergy/internal/synergy/pipeline"
	"github.com/saaga0h/jeeves-synergy/internal/synergy/query"
	"github.com/saaga0h/jeeves-synergy/internal/synergy/storage"
	"github.com/saaga0h/jeeves-synergy/internal/synergy/types"
	"github.com/saaga0h/jeeves-synergy/internal/synergy/weights"
	"github.com/saaga0h/jeeves-synergy/pkg/config"
	"github.com/saaga0h/jeeves-synergy/pkg/metrics"
	"github.com/saaga0h/jeeves-synergy/pkg/mqtt"
	"github.com/saaga0h/jeeves-synergy/pkg/postgres"
	"github.com/saaga0h/jeeves-synergy/pkg/redis"
)

// weightSubscriberBuffer is how many unseen weight versions the agent keeps
const weightSubscriberBuffer = 4

type Agent struct {
	mqtt     mqtt.Client
	redis    redis.Client
	pgClient postgres.Client // nil with the memory store
	cfg      *config.Config
	metrics  *metrics.Metrics
	logger   *slog.Logger

	weights     *weights.Registry
	recorder    *feedback.Recorder
	pipeline    *pipeline.Pipeline
	coordinator *pipeline.Coordinator
	query       *query.Service

	wg sync.WaitGroup
}

// NewAgent builds every engine component from cfg. It performs no I/O;
// connections and the schema are set up in Start. m may be nil.
func NewAgent(mqttClient mqtt.Client, redisClient redis.Client, pgClient postgres.Client, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (*Agent, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store, source, err := newBackends(cfg, redisClient, pgClient, logger)
	if err != nil {
		return nil, err
	}

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	detectors := detect.NewRegistry(
		detect.NewCoOccurrenceDetector(detect.CoOccurrenceConfig{
			MinOccurrences:       cfg.CoMinOccurrences,
			MinConfidence:        cfg.CoMinConfidence,
			MaxSetSize:           cfg.CoMaxSetSize,
			MaxEntitiesPerWindow: cfg.CoMaxEntitiesPerWindow,
		}, logger),
		detect.NewTimeOfDayDetector(detect.TimeOfDayConfig{
			MinShare:   cfg.TodMinShare,
			MinDays:    cfg.TodMinDays,
			MinSamples: cfg.TodMinSample,
			Location:   loc,
		}, logger),
	)

	var rules *enrich.RulesFile
	if cfg.RulesFile != "" {
		if rules, err = enrich.LoadRulesFile(cfg.RulesFile); err != nil {
			return nil, err
		}
		logger.Info("Loaded rules file", "path", cfg.RulesFile)
	}
	catalog := enrich.NewCatalog(rules)

	builder := chain.NewBuilder(chain.Config{
		MinPatternSupport:   cfg.MinPatternSupport,
		WindowCompatibility: cfg.WindowCompatibility,
		MaxBranching:        cfg.MaxBranching,
		MaxChains:           cfg.MaxChains,
	}, catalog, logger)

	health := pipeline.NewHealthTracker(detectors.Names()...)
	registry := weights.NewRegistry(store, redisClient, mqttClient, logger)
	querySvc := query.NewService(store, health, registry, logger)

	fetcher, contextCache, err := newContextFetcher(cfg, redisClient, m, logger)
	if err != nil {
		return nil, err
	}
	if contextCache != nil {
		querySvc.RegisterCache("context", contextCache.Stats)
	}

	enricher := enrich.NewEnricher(catalog, fetcher, enrich.Config{
		Latitude:    cfg.Latitude,
		Longitude:   cfg.Longitude,
		Location:    loc,
		PricePerKWh: cfg.EnergyPricePerKWh,
	}, logger)

	aggregateCache, err := cache.New[feedback.Aggregate]("feedback", cfg.FeedbackCacheSize, cfg.FeedbackCacheTTL,
		cache.WithObserver[feedback.Aggregate](m))
	if err != nil {
		return nil, fmt.Errorf("failed to create feedback cache: %w", err)
	}
	aggregates := feedback.NewAggregates(store, aggregateCache, cfg.CalibrationLookback)
	querySvc.RegisterCache("feedback", aggregates.CacheStats)

	calibrator := feedback.NewCalibrator(aggregates, store, registry, feedback.CalibrationConfig{
		TargetSuccessRate: cfg.TargetSuccessRate,
		LearningRate:      cfg.LearningRate,
		MaxStep:           cfg.MaxWeightStep,
		MinWeight:         cfg.MinWeight,
		MinSamples:        cfg.MinFeedbackSamples,
	}, logger)

	driftCfg := feedback.DefaultDriftConfig()
	driftCfg.WeakeningDrop = cfg.WeakeningDrop
	driftCfg.StrengtheningRatio = cfg.StrengtheningRatio
	driftCfg.StableTolerance = cfg.StableTolerance
	driftCfg.ReviewMaxSuccessRate = cfg.ReviewMaxSuccessRate
	driftCfg.ReviewMinSamples = cfg.ReviewMinSamples

	manager, err := lifecycle.NewManager(store, lifecycle.NewMQTTPublisher(mqttClient), logger)
	if err != nil {
		return nil, err
	}

	pipe, err := pipeline.New(pipeline.Deps{
		Store:      store,
		Source:     source,
		Aggregator: events.NewAggregator(cfg.Lookback(), cfg.Window(), logger),
		Detectors:  detectors,
		Chains:     builder,
		Enricher:   enricher,
		Weights:    registry,
		Calibrator: calibrator,
		Aggregates: aggregates,
		Drift:      feedback.NewDriftDetector(driftCfg),
		Lifecycle:  manager,
		Health:     health,
		Metrics:    m,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	recorder := feedback.NewRecorder(store, aggregates, cfg.FeedbackQueueSize, logger)

	coordinator := pipeline.NewCoordinator(pipe, mqttClient, recorder.HandleMessage, pipeline.CoordinatorConfig{
		DetectionInterval:   cfg.DetectionInterval,
		CalibrationInterval: cfg.CalibrationInterval,
		RunOnStart:          cfg.RunOnStart,
	}, logger)

	return &Agent{
		mqtt:        mqttClient,
		redis:       redisClient,
		pgClient:    pgClient,
		cfg:         cfg,
		metrics:     m,
		logger:      logger.With("component", "synergy_agent"),
		weights:     registry,
		recorder:    recorder,
		pipeline:    pipe,
		coordinator: coordinator,
		query:       querySvc,
	}, nil
}

// Query returns the read side of the engine.
func (a *Agent) Query() *query.Service {
	return a.query
}

// Start connects, restores the weight vector and runs until ctx is cancelled.
func (a *Agent) Start(ctx context.Context) error {
	a.logger.Info("Starting synergy agent", "store", a.cfg.StoreBackend, "event_source", a.cfg.EventSource)

	if err := a.mqtt.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to MQTT: %w", err)
	}

	if a.pgClient != nil {
		if err := postgres.EnsureSchema(ctx, a.pgClient); err != nil {
			return fmt.Errorf("failed to prepare schema: %w", err)
		}
	}

	updates := a.weights.Subscribe(weightSubscriberBuffer)
	wv, err := a.weights.Load(ctx)
	if err != nil {
		return err
	}
	a.metrics.WeightVersion(wv.Version)

	a.goRun(func() { a.recorder.Run(ctx) })
	a.goRun(func() { a.watchWeights(ctx, updates) })

	if err := a.coordinator.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	return nil
}

// Stop aborts active runs, flushes pending feedback and closes connections.
func (a *Agent) Stop() error {
	a.logger.Info("Stopping synergy agent")
	a.coordinator.Stop()
	a.wg.Wait()

	a.mqtt.Disconnect()
	if err := a.redis.Close(); err != nil {
		a.logger.Warn("Failed to close Redis", "error", err)
	}
	if a.pgClient != nil {
		return a.pgClient.Disconnect()
	}
	return nil
}

func (a *Agent) watchWeights(ctx context.Context, updates <-chan *types.WeightVector) {
	for {
		select {
		case <-ctx.Done():
			return
		case wv := <-updates:
			a.metrics.WeightVersion(wv.Version)
			a.logger.Info("Weight vector updated", "version", wv.Version, "reason", wv.Reason)
		}
	}
}

func (a *Agent) goRun(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

func newBackends(cfg *config.Config, redisClient redis.Client, pgClient postgres.Client, logger *slog.Logger) (storage.Store, events.Source, error) {
	var store storage.Store
	switch cfg.StoreBackend {
	case "postgres":
		if pgClient == nil {
			return nil, nil, fmt.Errorf("postgres store requires a postgres client")
		}
		store = storage.NewPostgresStore(pgClient)
	case "memory":
		store = storage.NewMemoryStore()
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	var source events.Source
	switch cfg.EventSource {
	case "postgres":
		if pgClient == nil {
			return nil, nil, fmt.Errorf("postgres event source requires a postgres client")
		}
		source = events.NewPostgresSource(pgClient)
	case "redis":
		source = events.NewRedisSource(redisClient, logger)
	default:
		return nil, nil, fmt.Errorf("unknown event source %q", cfg.EventSource)
	}
	return store, source, nil
}

// newContextFetcher returns nil when no provider endpoint is configured, in
// which case synergies carry only locally derived context.
func newContextFetcher(cfg *config.Config, redisClient redis.Client, m *metrics.Metrics, logger *slog.Logger) (*enrich.ContextFetcher, *cache.Cache[map[string]interface{}], error) {
	endpoints := map[string]string{
		enrich.ContextWeather:  cfg.WeatherURL,
		enrich.ContextCarbon:   cfg.CarbonURL,
		enrich.ContextSports:   cfg.SportsURL,
		enrich.ContextCalendar: cfg.CalendarURL,
	}
	configured := false
	for _, u := range endpoints {
		if u != "" {
			configured = true
		}
	}
	if !configured {
		logger.Info("No context providers configured")
		return nil, nil, nil
	}

	contextCache, err := cache.New[map[string]interface{}]("context", cfg.ContextCacheSize, cfg.ContextCacheTTL,
		cache.WithObserver[map[string]interface{}](m))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create context cache: %w", err)
	}

	fetcher := enrich.NewContextFetcher(enrich.NewHTTPProvider(endpoints, logger), enrich.FetcherConfig{
		Timeout:  cfg.ContextTimeout,
		Retries:  cfg.ContextRetries,
		Backoff:  cfg.ContextBackoff,
		CacheTTL: cfg.ContextCacheTTL,
	}, contextCache, redisClient, logger)
	return fetcher, contextCache, nil
}
