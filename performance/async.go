package performance

import (
	"context"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/propertyhub/rules/internal/logger"
	"github.com/propertyhub/rules/internal/metrics"
	"github.com/propertyhub/rules/rules"
)

// AsyncConfig sizes the background write path.
type AsyncConfig struct {
	QueueSize    int
	Workers      int
	MaxRetries   uint
	RetryDelay   time.Duration
	WriteTimeout time.Duration
}

func DefaultAsyncConfig() AsyncConfig {
	return AsyncConfig{
		QueueSize:    1024,
		Workers:      2,
		MaxRetries:   3,
		RetryDelay:   50 * time.Millisecond,
		WriteTimeout: 5 * time.Second,
	}
}

// AsyncRecorder implements rules.ResultSink. Results are queued and written
// by background workers; a full queue drops the result instead of blocking
// the pricing request.
type AsyncRecorder struct {
	recorder *Recorder
	config   AsyncConfig
	queue    chan rules.RuleExecutionResult

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewAsyncRecorder starts the workers. Call Close to drain and stop them.
func NewAsyncRecorder(recorder *Recorder, config AsyncConfig) *AsyncRecorder {
	defaults := DefaultAsyncConfig()
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = defaults.RetryDelay
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}

	a := &AsyncRecorder{
		recorder: recorder,
		config:   config,
		queue:    make(chan rules.RuleExecutionResult, config.QueueSize),
	}
	for i := 0; i < config.Workers; i++ {
		a.wg.Add(1)
		go a.worker()
	}
	return a
}

// Submit enqueues a result without blocking.
func (a *AsyncRecorder) Submit(res rules.RuleExecutionResult) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		a.drop(res, "recorder closed")
		return
	}
	select {
	case a.queue <- res:
		metrics.RecorderQueueDepth.Inc()
	default:
		a.drop(res, "recorder queue full")
	}
}

func (a *AsyncRecorder) drop(res rules.RuleExecutionResult, reason string) {
	metrics.RecorderDropped.Inc()
	logger.Warn("execution result dropped", "reason", reason, "ruleId", res.RuleID, "executionId", res.ExecutionID)
}

// Close stops accepting results and waits until the queue is drained or ctx is done.
func (a *AsyncRecorder) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *AsyncRecorder) worker() {
	defer a.wg.Done()
	for res := range a.queue {
		metrics.RecorderQueueDepth.Dec()
		a.write(res)
	}
}

func (a *AsyncRecorder) write(res rules.RuleExecutionResult) {
	ctx, cancel := context.WithTimeout(context.Background(), a.config.WriteTimeout)
	defer cancel()

	err := retry.Do(
		func() error { return a.recorder.RecordExecution(ctx, res) },
		retry.Attempts(a.config.MaxRetries+1),
		retry.Delay(a.config.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err != nil {
		metrics.RecorderWriteErrors.Inc()
		logger.Error("failed to record rule execution",
			"ruleId", res.RuleID,
			"executionId", res.ExecutionID,
			"error", err,
		)
	}
}
