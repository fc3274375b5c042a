package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/saaga0h/jeeves-synergy/internal/synergy/types"
	"github.com/saaga0h/jeeves-synergy/pkg/mqtt"
)

// ErrRunInProgress is returned when a run of the same kind is already active.
var ErrRunInProgress = errors.New("run already in progress")

// Runner executes the two kinds of run.
type Runner interface {
	RunDetection(ctx context.Context) (*types.RunReport, error)
	RunCalibration(ctx context.Context) (*types.RunReport, error)
}

// CoordinatorConfig holds scheduling settings. A zero interval disables the
// scheduler for that kind; MQTT triggers still work.
type CoordinatorConfig struct {
	DetectionInterval   time.Duration
	CalibrationInterval time.Duration
	RunOnStart          bool
}

// Coordinator schedules detection and calibration on independent tickers and
// accepts manual triggers and aborts over MQTT. Runs of the same kind never
// overlap; a detection run and a calibration run may.
type Coordinator struct {
	runner   Runner
	mqtt     mqtt.Client         // optional
	feedback mqtt.MessageHandler // optional
	cfg      CoordinatorConfig
	logger   *slog.Logger

	detectionMu   sync.Mutex
	calibrationMu sync.Mutex

	mu      sync.Mutex
	base    context.Context
	cancels map[types.RunKind]context.CancelFunc

	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewCoordinator creates a coordinator. mqttClient and feedbackHandler may be nil.
func NewCoordinator(runner Runner, mqttClient mqtt.Client, feedbackHandler mqtt.MessageHandler, cfg CoordinatorConfig, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		runner:   runner,
		mqtt:     mqttClient,
		feedback: feedbackHandler,
		cfg:      cfg,
		logger:   logger.With("component", "coordinator"),
		base:     context.Background(),
		cancels:  make(map[types.RunKind]context.CancelFunc),
		stopChan: make(chan struct{}),
	}
}

// Start subscribes to the control topics and starts the schedulers. Runs are
// derived from ctx, so cancelling it aborts them.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	c.base = ctx
	c.mu.Unlock()

	if c.mqtt != nil {
		subscriptions := map[string]mqtt.MessageHandler{
			mqtt.TopicRunDetection:   c.handleTrigger(types.RunDetection),
			mqtt.TopicRunCalibration: c.handleTrigger(types.RunCalibration),
			mqtt.TopicAbort:          c.handleAbort,
		}
		if c.feedback != nil {
			subscriptions[mqtt.TopicFeedback] = c.feedback
		}

		for topic, handler := range subscriptions {
			if err := c.mqtt.Subscribe(topic, 0, handler); err != nil {
				return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
			}
			c.logger.Info("Subscribed", "topic", topic)
		}
	}

	if c.cfg.DetectionInterval > 0 {
		c.logger.Info("Starting detection scheduler", "interval", c.cfg.DetectionInterval)
		c.goRun(func() { c.schedulerLoop(ctx, types.RunDetection, c.cfg.DetectionInterval) })
	}
	if c.cfg.CalibrationInterval > 0 {
		c.logger.Info("Starting calibration scheduler", "interval", c.cfg.CalibrationInterval)
		c.goRun(func() { c.schedulerLoop(ctx, types.RunCalibration, c.cfg.CalibrationInterval) })
	}

	if c.cfg.RunOnStart {
		c.goRun(func() { c.runLogged(types.RunDetection) })
	}
	return nil
}

// Stop halts the schedulers, aborts active runs and waits for them to finish.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
		c.Abort()
		c.wg.Wait()
		c.logger.Info("Stopped coordinator")
	})
}

// Trigger runs kind synchronously. It returns ErrRunInProgress without
// running when a run of the same kind is active.
func (c *Coordinator) Trigger(kind types.RunKind) (*types.RunReport, error) {
	lock, err := c.lock(kind)
	if err != nil {
		return nil, err
	}
	if !lock.TryLock() {
		return nil, ErrRunInProgress
	}
	defer lock.Unlock()

	c.mu.Lock()
	runCtx, cancel := context.WithCancel(c.base)
	c.cancels[kind] = cancel
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.cancels, kind)
		c.mu.Unlock()
		cancel()
	}()

	var report *types.RunReport
	switch kind {
	case types.RunDetection:
		report, err = c.runner.RunDetection(runCtx)
	case types.RunCalibration:
		report, err = c.runner.RunCalibration(runCtx)
	}

	c.publishCompletion(report)
	return report, err
}

// Abort cancels the active runs of the given kinds, or of every kind when
// none is given. It returns how many runs were cancelled.
func (c *Coordinator) Abort(kinds ...types.RunKind) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(kinds) == 0 {
		kinds = []types.RunKind{types.RunDetection, types.RunCalibration}
	}
	aborted := 0
	for _, kind := range kinds {
		if cancel, ok := c.cancels[kind]; ok {
			cancel()
			aborted++
			c.logger.Warn("Aborting run", "kind", kind)
		}
	}
	return aborted
}

// Running reports whether a run of kind is active.
func (c *Coordinator) Running(kind types.RunKind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.cancels[kind]
	return ok
}

func (c *Coordinator) lock(kind types.RunKind) (*sync.Mutex, error) {
	switch kind {
	case types.RunDetection:
		return &c.detectionMu, nil
	case types.RunCalibration:
		return &c.calibrationMu, nil
	default:
		return nil, fmt.Errorf("unknown run kind %q", kind)
	}
}

// schedulerLoop runs kind on a fixed interval
func (c *Coordinator) schedulerLoop(ctx context.Context, kind types.RunKind, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.runLogged(kind)
		}
	}
}

func (c *Coordinator) runLogged(kind types.RunKind) {
	report, err := c.Trigger(kind)
	switch {
	case errors.Is(err, ErrRunInProgress):
		c.logger.Info("Skipping run, previous run still active", "kind", kind)
	case err != nil:
		c.logger.Error("Run did not complete", "kind", kind, "error", err)
	case report != nil:
		c.logger.Info("Run complete", "kind", kind, "run_id", report.RunID, "status", report.Status)
	}
}

func (c *Coordinator) goRun(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

// handleTrigger starts a run in the background for an MQTT trigger
func (c *Coordinator) handleTrigger(kind types.RunKind) mqtt.MessageHandler {
	return func(msg mqtt.Message) {
		c.logger.Info("Received run trigger", "kind", kind, "topic", msg.Topic())
		select {
		case <-c.stopChan:
			c.logger.Warn("Ignoring trigger, coordinator stopped", "kind", kind)
			return
		default:
		}
		c.goRun(func() { c.runLogged(kind) })
	}
}

// handleAbort cancels active runs. The payload may name a kind:
// {"kind": "detection"}. An empty payload aborts every kind.
func (c *Coordinator) handleAbort(msg mqtt.Message) {
	var req struct {
		Kind types.RunKind `json:"kind"`
	}
	if len(msg.Payload()) > 0 {
		if err := json.Unmarshal(msg.Payload(), &req); err != nil {
			c.logger.Error("Failed to parse abort request", "error", err)
			return
		}
	}

	var aborted int
	if req.Kind != "" {
		aborted = c.Abort(req.Kind)
	} else {
		aborted = c.Abort()
	}
	c.logger.Info("Abort requested", "kind", req.Kind, "aborted", aborted)
}

func (c *Coordinator) publishCompletion(report *types.RunReport) {
	if report == nil || c.mqtt == nil || !c.mqtt.IsConnected() {
		return
	}
	if err := c.mqtt.PublishJSON(mqtt.TopicRunCompleted, false, report); err != nil {
		c.logger.Warn("Failed to publish run completion", "run_id", report.RunID, "error", err)
	}
}
