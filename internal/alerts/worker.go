package alerts

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/bissquit/incident-medic/internal/domain"
	"github.com/bissquit/incident-medic/internal/events"
	"github.com/bissquit/incident-medic/internal/pkg/ctxlog"
	"github.com/bissquit/incident-medic/internal/resilience"
)

// IncidentReader loads the incident a transition refers to.
type IncidentReader interface {
	Get(ctx context.Context, id string) (*domain.Incident, error)
}

// WorkerConfig contains worker configuration.
type WorkerConfig struct {
	// IncidentURL is the base URL incident links are built from.
	IncidentURL string
}

// Worker subscribes to transition events and alerts on terminal ones.
type Worker struct {
	config    WorkerConfig
	publisher *events.Publisher
	incidents IncidentReader
	renderer  *Renderer
	sender    Sender
	policy    *resilience.Policy

	mu  sync.Mutex
	sub *events.Subscription
	wg  sync.WaitGroup
}

// NewWorker creates a new alert worker.
func NewWorker(
	config WorkerConfig,
	publisher *events.Publisher,
	incidents IncidentReader,
	renderer *Renderer,
	sender Sender,
	policy *resilience.Policy,
) *Worker {
	return &Worker{
		config:    config,
		publisher: publisher,
		incidents: incidents,
		renderer:  renderer,
		sender:    sender,
		policy:    policy,
	}
}

// Start subscribes to the publisher and launches the worker goroutine.
func (w *Worker) Start(ctx context.Context) {
	slog.Info("starting alert worker", "sender", w.sender.Name())

	sub := w.subscribe()
	w.wg.Add(1)
	go w.run(ctx, sub)
}

// Stop unsubscribes and waits for buffered events to be handled.
func (w *Worker) Stop() {
	w.mu.Lock()
	sub := w.sub
	w.sub = nil
	w.mu.Unlock()

	w.publisher.Unsubscribe(sub)
	w.wg.Wait()
	slog.Info("alert worker stopped")
}

func (w *Worker) subscribe() *events.Subscription {
	sub := w.publisher.Subscribe()
	w.mu.Lock()
	w.sub = sub
	w.mu.Unlock()
	return sub
}

func (w *Worker) run(ctx context.Context, sub *events.Subscription) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if ok {
				if event.To.IsTerminal() {
					w.handle(ctx, event)
				}
				continue
			}

			if !errors.Is(sub.Err(), events.ErrSubscriberOverflow) {
				return
			}
			slog.Warn("alert subscription overflowed, resubscribing", "dropped", sub.Dropped())
			if sub = w.resubscribe(); sub == nil {
				return
			}
		}
	}
}

// resubscribe replaces an overflowed subscription unless Stop ran meanwhile.
func (w *Worker) resubscribe() *events.Subscription {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sub == nil {
		return nil
	}
	w.sub = w.publisher.Subscribe()
	return w.sub
}

func (w *Worker) handle(ctx context.Context, event domain.TransitionEvent) {
	ctx = ctxlog.With(ctx, "incident_id", event.IncidentID, "status", event.To)
	logger := ctxlog.FromContext(ctx)
	name := w.sender.Name()

	inc, err := w.incidents.Get(ctx, event.IncidentID)
	if err != nil {
		logger.Error("failed to load incident for alert", "error", err)
		recordAlertSent(name, "failed")
		return
	}

	msg, err := w.renderer.Render(NewAlert(event, inc, w.config.IncidentURL))
	if err != nil {
		logger.Error("failed to render alert", "error", err)
		recordAlertSent(name, "failed")
		return
	}

	start := time.Now()
	_, err = resilience.Do(ctx, w.policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, w.sender.Send(ctx, msg)
	})
	recordAlertDuration(name, time.Since(start))

	switch {
	case err == nil:
		recordAlertSent(name, "sent")
		logger.Debug("alert sent", "sender", name)
	case errors.Is(err, resilience.ErrCircuitOpen):
		recordAlertSent(name, "circuit_open")
		logger.Warn("alert skipped, circuit open", "sender", name)
	default:
		recordAlertSent(name, "failed")
		logger.Error("failed to send alert", "sender", name, "error", err)
	}
}
