// Package coordinator drives incidents through diagnosis and remediation.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bissquit/incident-medic/internal/domain"
	"github.com/bissquit/incident-medic/internal/events"
	"github.com/bissquit/incident-medic/internal/incidents"
	"github.com/bissquit/incident-medic/internal/pkg/ctxlog"
	"github.com/bissquit/incident-medic/internal/resilience"
	"github.com/google/uuid"
)

// ReasoningProvider produces a diagnosis for an incident.
type ReasoningProvider interface {
	Name() string
	Diagnose(ctx context.Context, ic domain.IncidentContext) (*domain.Diagnosis, error)
}

// PatchDeployer applies a patch and redeploys the affected service.
type PatchDeployer interface {
	ApplyAndDeploy(ctx context.Context, req domain.DeployRequest) (*domain.DeployResult, error)
}

// CircuitOpenPolicy decides what happens to an incident whose provider circuit is open.
type CircuitOpenPolicy string

// Circuit-open policies.
const (
	// CircuitOpenFail marks the incident failed.
	CircuitOpenFail CircuitOpenPolicy = "fail"
	// CircuitOpenReopen reverts the incident so it can be re-triggered later.
	CircuitOpenReopen CircuitOpenPolicy = "reopen"
)

// IsValid checks if the policy is known.
func (p CircuitOpenPolicy) IsValid() bool {
	return p == CircuitOpenFail || p == CircuitOpenReopen
}

// Config holds coordinator configuration.
type Config struct {
	CircuitOpenPolicy CircuitOpenPolicy
	AutoRemediate     bool
	MinConfidence     float64
	HistoryLimit      int
}

// DefaultConfig returns default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		CircuitOpenPolicy: CircuitOpenReopen,
		AutoRemediate:     true,
		MinConfidence:     0.7,
		HistoryLimit:      5,
	}
}

// Validate checks the coordinator configuration.
func (c Config) Validate() error {
	if !c.CircuitOpenPolicy.IsValid() {
		return fmt.Errorf("unknown circuit open policy %q", c.CircuitOpenPolicy)
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("min confidence must be within [0, 1], got %v", c.MinConfidence)
	}
	if c.HistoryLimit < 0 {
		return fmt.Errorf("history limit must not be negative")
	}
	return nil
}

// Deps are the collaborators of a Coordinator.
type Deps struct {
	Store             *incidents.Store
	Publisher         *events.Publisher
	Reasoning         ReasoningProvider
	Deployer          PatchDeployer
	DiagnosisPolicy   *resilience.Policy
	RemediationPolicy *resilience.Policy
}

type flowKind string

const (
	flowDiagnosis   flowKind = "diagnosis"
	flowRemediation flowKind = "remediation"
)

// flow is one running diagnosis or remediation. Only the flow whose id matches
// Incident.FlowID may apply its result.
type flow struct {
	id         string
	kind       flowKind
	ctx        context.Context
	cancel     context.CancelFunc
	started    time.Time
	registered bool
}

// Coordinator owns the incident lifecycle.
type Coordinator struct {
	store             *incidents.Store
	publisher         *events.Publisher
	reasoning         ReasoningProvider
	deployer          PatchDeployer
	diagnosisPolicy   *resilience.Policy
	remediationPolicy *resilience.Policy
	config            Config
	now               func() time.Time

	// baseCtx parents every background flow; stop cancels them all on shutdown.
	baseCtx context.Context
	stop    context.CancelFunc

	mu       sync.Mutex
	flows    map[string]*flow
	stopping bool
	wg       sync.WaitGroup
}

// New creates a coordinator.
func New(deps Deps, config Config) (*Coordinator, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("store is required")
	case deps.Publisher == nil:
		return nil, errors.New("publisher is required")
	case deps.Reasoning == nil:
		return nil, errors.New("reasoning provider is required")
	case deps.Deployer == nil:
		return nil, errors.New("patch deployer is required")
	case deps.DiagnosisPolicy == nil || deps.RemediationPolicy == nil:
		return nil, errors.New("retry policies are required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("coordinator config: %w", err)
	}

	baseCtx, stop := context.WithCancel(context.Background())
	return &Coordinator{
		store:             deps.Store,
		publisher:         deps.Publisher,
		reasoning:         deps.Reasoning,
		deployer:          deps.Deployer,
		diagnosisPolicy:   deps.DiagnosisPolicy,
		remediationPolicy: deps.RemediationPolicy,
		config:            config,
		now:               func() time.Time { return time.Now().UTC() },
		baseCtx:           baseCtx,
		stop:              stop,
		flows:             make(map[string]*flow),
	}, nil
}

// OnFault records a fault against its incident and starts diagnosis for open incidents.
// It returns the id of the incident the fault was attached to.
func (c *Coordinator) OnFault(ctx context.Context, fault domain.Fault) (string, error) {
	code := incidents.NormalizeErrorCode(fault.ErrorCode)
	fault.ErrorCode = code
	if fault.OccurredAt.IsZero() {
		fault.OccurredAt = c.now()
	}
	fingerprint := incidents.Fingerprint(code, fault.SymptomText)

	// An incident can reach a terminal state between lookup and lock; the next
	// lookup then creates a fresh one.
	for range 3 {
		inc, created, err := c.store.GetOrCreate(ctx, fingerprint, code)
		if err != nil {
			return "", fmt.Errorf("get or create incident: %w", err)
		}

		var fl *flow
		_, err = c.commit(ctx, inc.ID, func(i *domain.Incident, rec *recorder) error {
			if i.Status.IsTerminal() {
				return errIncidentClosed
			}
			i.Symptoms = append(i.Symptoms, fault.Symptom())
			if i.Status != domain.IncidentStatusOpen {
				return nil
			}

			var err error
			fl, err = c.newFlow(flowDiagnosis, c.baseCtx)
			if err != nil {
				// Shutting down: keep the symptom, leave the incident open.
				fl = nil
				return nil
			}
			i.FlowID = fl.id
			return rec.move(i, domain.IncidentStatusDiagnosing, "fault received")
		}, func(i *domain.Incident) {
			if fl != nil && i.FlowID == fl.id {
				c.register(i.ID, fl)
			}
		})
		if errors.Is(err, errIncidentClosed) {
			continue
		}
		if err != nil {
			if fl != nil {
				c.discard(fl)
			}
			return "", fmt.Errorf("record fault: %w", err)
		}

		recordFault(code)
		ctxlog.FromContext(ctx).Info("fault recorded",
			"incident_id", inc.ID,
			"error_code", code,
			"created", created,
			"diagnosis_started", fl != nil,
		)
		if fl != nil {
			go c.runDiagnosis(fl, inc.ID)
		}
		return inc.ID, nil
	}

	return "", fmt.Errorf("record fault: incident for fingerprint %s kept closing", fingerprint)
}

// Cancel stops the flow currently running for the incident. The flow reverts
// the incident to a resumable state.
func (c *Coordinator) Cancel(ctx context.Context, id string) error {
	c.mu.Lock()
	fl, ok := c.flows[id]
	c.mu.Unlock()

	if !ok {
		if _, err := c.store.Get(ctx, id); err != nil {
			return err
		}
		return ErrNoActiveFlow
	}

	ctxlog.FromContext(ctx).Info("cancelling flow", "incident_id", id, "flow", fl.kind, "flow_id", fl.id)
	fl.cancel()
	return nil
}

// Get returns a snapshot of the incident.
func (c *Coordinator) Get(ctx context.Context, id string) (*domain.Incident, error) {
	return c.store.Get(ctx, id)
}

// List returns incidents matching filter, newest first.
func (c *Coordinator) List(ctx context.Context, filter incidents.Filter) ([]domain.Incident, error) {
	return c.store.List(ctx, filter)
}

// Status is the health summary of the coordinator.
type Status struct {
	Circuits      []resilience.BreakerSnapshot `json:"circuits"`
	OpenIncidents int                          `json:"open_incidents"`
	ActiveFlows   int                          `json:"active_flows"`
	Subscribers   int                          `json:"subscribers"`
}

// Status reports circuit states and incident counts.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	active := len(c.flows)
	c.mu.Unlock()

	circuits := []resilience.BreakerSnapshot{c.diagnosisPolicy.Breaker().Snapshot()}
	if b := c.remediationPolicy.Breaker(); b != c.diagnosisPolicy.Breaker() {
		circuits = append(circuits, b.Snapshot())
	}

	return Status{
		Circuits:      circuits,
		OpenIncidents: c.store.OpenCount(),
		ActiveFlows:   active,
		Subscribers:   c.publisher.SubscriberCount(),
	}
}

// Wait blocks until every background flow has finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Shutdown cancels running flows and waits for them to revert their incidents.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.stopping = true
	c.mu.Unlock()
	c.stop()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for flows: %w", ctx.Err())
	}
}

// newFlow prepares a flow derived from parent. It fails once shutdown has begun.
// Every flow it returns must end in finish or discard.
func (c *Coordinator) newFlow(kind flowKind, parent context.Context) (*flow, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopping {
		return nil, ErrShuttingDown
	}
	c.wg.Add(1)

	ctx, cancel := context.WithCancel(parent)
	if parent != c.baseCtx {
		stopOnShutdown := context.AfterFunc(c.baseCtx, cancel)
		inner := cancel
		cancel = func() {
			stopOnShutdown()
			inner()
		}
	}
	return &flow{
		id:      uuid.NewString(),
		kind:    kind,
		ctx:     ctx,
		cancel:  cancel,
		started: c.now(),
	}, nil
}

// register makes fl the live flow of the incident. It runs in a commit hook,
// so the incident lock is held.
func (c *Coordinator) register(incidentID string, fl *flow) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.flows[incidentID] = fl
	fl.registered = true
	recordActiveFlow(fl.kind, 1)
}

// discard releases a flow that never started.
func (c *Coordinator) discard(fl *flow) {
	fl.cancel()
	c.wg.Done()
}

// finish releases fl. A newer flow registered for the same incident is kept.
func (c *Coordinator) finish(incidentID string, fl *flow, result string) {
	fl.cancel()

	c.mu.Lock()
	if cur, ok := c.flows[incidentID]; ok && cur.id == fl.id {
		delete(c.flows, incidentID)
	}
	registered := fl.registered
	c.mu.Unlock()

	if registered {
		recordActiveFlow(fl.kind, -1)
	}
	recordFlow(fl.kind, result, c.now().Sub(fl.started))
	c.wg.Done()
}

func (c *Coordinator) liveFlow(incidentID, flowID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	fl, ok := c.flows[incidentID]
	return ok && fl.id == flowID
}

// recorder collects the transitions made by one mutation so they can be
// published after the commit.
type recorder struct {
	now    time.Time
	events []domain.TransitionEvent
}

func (r *recorder) move(inc *domain.Incident, to domain.IncidentStatus, detail string) error {
	ev, err := inc.TransitionTo(to, r.now, detail)
	if err != nil {
		return err
	}
	r.events = append(r.events, ev)
	return nil
}

// commit applies mutate under the incident lock and publishes the transitions it
// made, in commit order. after runs in the same critical section.
func (c *Coordinator) commit(
	ctx context.Context,
	id string,
	mutate func(inc *domain.Incident, rec *recorder) error,
	after func(inc *domain.Incident),
) (*domain.Incident, error) {
	var rec *recorder
	return c.store.Update(ctx, id,
		func(inc *domain.Incident) error {
			rec = &recorder{now: c.now()}
			return mutate(inc, rec)
		},
		func(inc *domain.Incident) {
			for _, ev := range rec.events {
				c.publisher.Publish(ev)
				recordTransition(string(ev.From), string(ev.To))
			}
			if after != nil {
				after(inc)
			}
		},
	)
}

// flowContext returns a logger-carrying context for a background flow.
func flowContext(fl *flow, incidentID string) context.Context {
	return ctxlog.With(fl.ctx, "incident_id", incidentID, "flow", fl.kind, "flow_id", fl.id)
}

// resultContext detaches ctx from cancellation so a cancelled flow can still
// record its outcome.
func resultContext(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
