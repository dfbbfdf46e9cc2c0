package queueDrainer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/evolvechain/settler/pkg/distributor"
	"github.com/evolvechain/settler/pkg/errorClassifier"
	"github.com/evolvechain/settler/pkg/eventBus/eventBusTypes"
	"github.com/evolvechain/settler/pkg/metrics/metricsTypes"
	"github.com/evolvechain/settler/pkg/offlineQueue"
	"github.com/evolvechain/settler/pkg/rewardLedger"
	"github.com/evolvechain/settler/pkg/storage"
	"go.uber.org/zap"
)

// QueueDrainerConfig contains configuration options for the queue drainer.
type QueueDrainerConfig struct {
	// Workers is the number of concurrent workers draining recipients.
	Workers int
	// MaxRetries bounds the retries per event after its initial attempt.
	MaxRetries int
	// BackoffBase is the delay after the first failed attempt.
	BackoffBase time.Duration
	// BackoffMax caps the exponential backoff.
	BackoffMax time.Duration
}

// DrainResponse contains the result of draining one recipient's queue.
type DrainResponse struct {
	Settled  int
	Terminal int
	// Deferred counts events left queued, either because their backoff has
	// not elapsed or because settlement failed again.
	Deferred int
	Errors   []error
}

// DrainMessage represents a request to drain one recipient's queue.
type DrainMessage struct {
	Recipient    string
	ResponseChan chan *DrainResponse
	Context      context.Context
}

const (
	queueDepth         = 100
	defaultWorkers     = 4
	defaultMaxRetries  = 5
	defaultBackoffBase = 5 * time.Second
	defaultBackoffMax  = 5 * time.Minute
)

// IDispatcher is the dispatch decision the drainer re-runs for queued
// events. Satisfied by the distributor.
type IDispatcher interface {
	Dispatch(ctx context.Context, event *storage.RewardEvent) (*distributor.DispatchResult, error)
}

// QueueDrainer walks each recipient's queue in FIFO order and re-dispatches
// the head event. Recipients are drained concurrently by a worker pool, but
// events within one recipient are strictly serial: a head that fails again
// blocks everything behind it until its backoff elapses or it exhausts its
// retries.
type QueueDrainer struct {
	logger      *zap.Logger
	config      *QueueDrainerConfig
	dispatcher  IDispatcher
	queue       *offlineQueue.OfflineQueue
	ledger      *rewardLedger.RewardLedger
	eventBus    eventBusTypes.IEventBus
	metricsSink metricsTypes.IMetricsClient

	messages chan *DrainMessage
	done     chan struct{}

	// inflight guards against two workers walking the same recipient's
	// queue at once, which would race the head's attempt bookkeeping.
	mu       sync.Mutex
	inflight map[string]bool
}

func NewQueueDrainer(
	cfg *QueueDrainerConfig,
	dispatcher IDispatcher,
	queue *offlineQueue.OfflineQueue,
	ledger *rewardLedger.RewardLedger,
	eb eventBusTypes.IEventBus,
	ms metricsTypes.IMetricsClient,
	l *zap.Logger,
) *QueueDrainer {
	if cfg.Workers == 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffMax == 0 {
		cfg.BackoffMax = defaultBackoffMax
	}
	return &QueueDrainer{
		config:      cfg,
		logger:      l,
		dispatcher:  dispatcher,
		queue:       queue,
		ledger:      ledger,
		eventBus:    eb,
		metricsSink: ms,
		messages:    make(chan *DrainMessage, queueDepth),
		done:        make(chan struct{}),
		inflight:    make(map[string]bool),
	}
}

// Enqueue adds a drain request to the processing queue. Returns an error if
// the queue is full.
func (qd *QueueDrainer) Enqueue(message *DrainMessage) error {
	select {
	case qd.messages <- message:
		return nil
	default:
		return fmt.Errorf("drainer queue is full, please wait and try again")
	}
}

// EnqueueAndWait adds a drain request to the queue and waits for its
// completion.
func (qd *QueueDrainer) EnqueueAndWait(ctx context.Context, recipient string) (*DrainResponse, error) {
	responseChan := make(chan *DrainResponse, 1)
	message := &DrainMessage{
		Recipient:    recipient,
		ResponseChan: responseChan,
		Context:      ctx,
	}
	if err := qd.Enqueue(message); err != nil {
		return nil, err
	}
	select {
	case response := <-responseChan:
		return response, nil
	case <-ctx.Done():
		select {
		case response := <-responseChan:
			return response, nil
		default:
		}
		return nil, ctx.Err()
	}
}

// DrainAll enqueues a drain request for every recipient with queued events.
func (qd *QueueDrainer) DrainAll(ctx context.Context) error {
	recipients, err := qd.queue.Recipients()
	if err != nil {
		return fmt.Errorf("failed to list recipients: %w", err)
	}
	for _, recipient := range recipients {
		if err := qd.Enqueue(&DrainMessage{Recipient: recipient, Context: ctx}); err != nil {
			return err
		}
	}
	if qd.metricsSink != nil {
		if depth, derr := qd.queue.Depth(); derr == nil {
			_ = qd.metricsSink.Gauge(metricsTypes.Metric_Gauge_QueueDepth, float64(depth), nil)
		}
	}
	return nil
}

// Process starts the worker pool and the wallet event subscription. It
// blocks until Close is called, so callers run it in a goroutine.
func (qd *QueueDrainer) Process() {
	for i := 0; i < qd.config.Workers; i++ {
		go qd.worker()
	}
	qd.listenForWalletEvents()
}

// Close shuts down the drainer by closing the done channel.
func (qd *QueueDrainer) Close() {
	qd.logger.Sugar().Infow("Closing queue drainer")
	close(qd.done)
}

func (qd *QueueDrainer) worker() {
	for {
		select {
		case <-qd.done:
			return
		case msg := <-qd.messages:
			// A recipient is drained by one worker at a time. Overlapping
			// requests are redundant because a drain already walks the
			// queue to completion.
			if !qd.beginDrain(msg.Recipient) {
				if msg.ResponseChan != nil {
					msg.ResponseChan <- &DrainResponse{}
				}
				continue
			}
			ctx := msg.Context
			if ctx == nil {
				ctx = context.Background()
			}
			start := time.Now()
			response := qd.drainRecipient(ctx, msg.Recipient)
			qd.finishDrain(msg.Recipient)
			if qd.metricsSink != nil {
				_ = qd.metricsSink.Incr(metricsTypes.Metric_Incr_DrainCycle, nil, 1)
				_ = qd.metricsSink.Timing(metricsTypes.Metric_Timing_DrainDuration, time.Since(start), nil)
			}
			if msg.ResponseChan != nil {
				msg.ResponseChan <- response
			}
		}
	}
}

func (qd *QueueDrainer) beginDrain(recipient string) bool {
	qd.mu.Lock()
	defer qd.mu.Unlock()
	if qd.inflight[recipient] {
		return false
	}
	qd.inflight[recipient] = true
	return true
}

func (qd *QueueDrainer) finishDrain(recipient string) {
	qd.mu.Lock()
	defer qd.mu.Unlock()
	delete(qd.inflight, recipient)
}

func (qd *QueueDrainer) listenForWalletEvents() {
	if qd.eventBus == nil {
		<-qd.done
		return
	}
	consumer := &eventBusTypes.Consumer{
		Id:      "queueDrainer",
		Context: context.Background(),
		Channel: make(chan *eventBusTypes.Event, 32),
	}
	qd.eventBus.Subscribe(consumer)
	defer qd.eventBus.Unsubscribe(consumer)

	for {
		select {
		case <-qd.done:
			return
		case event := <-consumer.Channel:
			if event.Name != eventBusTypes.Event_WalletConnected {
				continue
			}
			qd.logger.Sugar().Infow("Wallet reconnected, draining offline queue")
			if err := qd.DrainAll(context.Background()); err != nil {
				qd.logger.Sugar().Errorw("Failed to drain queues on reconnect", zap.Error(err))
			}
		}
	}
}

// retryDelay computes the backoff gate for an event that has failed before.
// The base comes from the classifier's suggested delay for the last recorded
// failure kind, falling back to the configured base when no kind was
// recorded.
func (qd *QueueDrainer) retryDelay(event *storage.RewardEvent) time.Duration {
	base := qd.config.BackoffBase
	if event.LastErrorKind != "" {
		if suggested := errorClassifier.SuggestedDelayForKind(errorClassifier.ErrorKind(event.LastErrorKind)); suggested > 0 {
			base = suggested
		}
	}
	c := errorClassifier.Classification{SuggestedDelay: base, Retryable: true}
	return errorClassifier.BackoffDelay(c, event.RetryCount-1, qd.config.BackoffMax)
}

func (qd *QueueDrainer) drainRecipient(ctx context.Context, recipient string) *DrainResponse {
	response := &DrainResponse{Errors: make([]error, 0)}
	for {
		event, err := qd.queue.PeekNext(recipient)
		if err != nil {
			response.Errors = append(response.Errors, err)
			return response
		}
		if event == nil {
			return response
		}

		// The head event gates the whole queue. If its backoff has not
		// elapsed, nothing behind it is eligible either.
		if event.RetryCount > 0 && event.LastAttemptAt != nil {
			if time.Since(*event.LastAttemptAt) < qd.retryDelay(event) {
				response.Deferred++
				return response
			}
		}

		result, err := qd.dispatcher.Dispatch(ctx, event)
		if err != nil {
			response.Errors = append(response.Errors, err)
			return response
		}

		switch result.Outcome {
		case distributor.Outcome_Success:
			if err := qd.queue.Remove(event.Id); err != nil {
				response.Errors = append(response.Errors, err)
				return response
			}
			response.Settled++
		case distributor.Outcome_TerminalFailure:
			if err := qd.queue.Remove(event.Id); err != nil {
				response.Errors = append(response.Errors, err)
				return response
			}
			response.Terminal++
		case distributor.Outcome_Queue:
			if event.RetryCount >= qd.config.MaxRetries {
				if err := qd.exhaust(event, result); err != nil {
					response.Errors = append(response.Errors, err)
				}
				response.Terminal++
				return response
			}
			if result.Classification != nil {
				event.LastErrorKind = string(result.Classification.Kind)
			}
			if err := qd.queue.MarkAttempt(event); err != nil {
				response.Errors = append(response.Errors, err)
			}
			response.Deferred++
			return response
		}
	}
}

// exhaust terminally fails an event that has used up its retry budget. The
// ledger record keeps the kind of the last failure so the export explains
// what kept going wrong.
func (qd *QueueDrainer) exhaust(event *storage.RewardEvent, result *distributor.DispatchResult) error {
	kind := errorClassifier.Kind_Unknown
	message := "retries exhausted"
	if result.Classification != nil {
		kind = result.Classification.Kind
	} else if event.LastErrorKind != "" {
		kind = errorClassifier.ErrorKind(event.LastErrorKind)
	}
	if result.Err != nil {
		message = fmt.Sprintf("retries exhausted: %s", result.Err.Error())
	}
	qd.logger.Sugar().Warnw("Reward event exhausted its retries",
		zap.String("eventId", event.Id),
		zap.String("recipient", event.Recipient),
		zap.Int("retryCount", event.RetryCount),
		zap.String("lastErrorKind", string(kind)),
	)
	if qd.metricsSink != nil {
		_ = qd.metricsSink.Incr(metricsTypes.Metric_Incr_RetryExhausted, nil, 1)
	}
	if _, _, err := qd.ledger.CommitTerminal(event.SourceId, event.RewardType, event.Recipient, event.Amount, kind, message); err != nil {
		return err
	}
	return qd.queue.Remove(event.Id)
}
