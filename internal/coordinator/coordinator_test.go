package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bissquit/incident-medic/internal/domain"
	"github.com/bissquit/incident-medic/internal/events"
	"github.com/bissquit/incident-medic/internal/incidents"
	"github.com/bissquit/incident-medic/internal/incidents/memory"
	"github.com/bissquit/incident-medic/internal/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeReasoning struct {
	mu      sync.Mutex
	calls   int
	history [][]domain.HistoryEntry
	fn      func(ctx context.Context, ic domain.IncidentContext) (*domain.Diagnosis, error)
}

func (f *fakeReasoning) Name() string { return "fake" }

func (f *fakeReasoning) Diagnose(ctx context.Context, ic domain.IncidentContext) (*domain.Diagnosis, error) {
	f.mu.Lock()
	f.calls++
	f.history = append(f.history, ic.History)
	fn := f.fn
	f.mu.Unlock()
	return fn(ctx, ic)
}

func (f *fakeReasoning) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeDeployer struct {
	mu        sync.Mutex
	calls     int
	active    int
	maxActive int
	fn        func(ctx context.Context, req domain.DeployRequest) (*domain.DeployResult, error)
}

func (f *fakeDeployer) ApplyAndDeploy(ctx context.Context, req domain.DeployRequest) (*domain.DeployResult, error) {
	f.mu.Lock()
	f.calls++
	f.active++
	f.maxActive = max(f.maxActive, f.active)
	fn := f.fn
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()
	return fn(ctx, req)
}

func (f *fakeDeployer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type rejectedErr struct{}

func (rejectedErr) Error() string     { return "patch rejected" }
func (rejectedErr) IsRetryable() bool { return false }

func actionable(confidence float64) func(context.Context, domain.IncidentContext) (*domain.Diagnosis, error) {
	return func(context.Context, domain.IncidentContext) (*domain.Diagnosis, error) {
		return &domain.Diagnosis{
			RootCause:         "missing index on orders.customer_id",
			SuggestedPatchRef: "patch-sql-500",
			Patch:             "--- a/schema.sql\n+++ b/schema.sql\n",
			Confidence:        confidence,
		}, nil
	}
}

func deployed(context.Context, domain.DeployRequest) (*domain.DeployResult, error) {
	return &domain.DeployResult{Deployed: true, Detail: "rolled out"}, nil
}

func blockUntilCancelled[T any](started chan<- struct{}) func(ctx context.Context) (T, error) {
	var once sync.Once
	return func(ctx context.Context) (T, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		var zero T
		return zero, ctx.Err()
	}
}

type harness struct {
	coord     *Coordinator
	store     *incidents.Store
	repo      *memory.Repository
	publisher *events.Publisher
	sub       *events.Subscription
	reasoning *fakeReasoning
	deployer  *fakeDeployer
}

type harnessOption func(*harnessSetup)

type harnessSetup struct {
	config    Config
	threshold int
	repo      *memory.Repository
}

func withConfig(mutate func(*Config)) harnessOption {
	return func(s *harnessSetup) { mutate(&s.config) }
}

func withThreshold(n int) harnessOption {
	return func(s *harnessSetup) { s.threshold = n }
}

func withRepository(repo *memory.Repository) harnessOption {
	return func(s *harnessSetup) { s.repo = repo }
}

func newHarness(t *testing.T, reasoning *fakeReasoning, deployer *fakeDeployer, opts ...harnessOption) *harness {
	t.Helper()

	setup := harnessSetup{config: DefaultConfig(), threshold: 50, repo: memory.NewRepository()}
	for _, opt := range opts {
		opt(&setup)
	}
	if deployer == nil {
		deployer = &fakeDeployer{fn: deployed}
	}

	store := incidents.NewStore(setup.repo)
	_, err := store.Warm(context.Background())
	require.NoError(t, err)

	publisher := events.NewPublisher(events.Config{BufferSize: 256, OverflowPolicy: events.OverflowDropOldest})
	sub := publisher.Subscribe()

	retry := resilience.RetryConfig{MaxAttempts: 3, CallTimeout: 2 * time.Second}
	newPolicy := func(name string) *resilience.Policy {
		breaker, err := resilience.NewBreaker(name, resilience.BreakerConfig{
			FailureThreshold: setup.threshold,
			Cooldown:         time.Hour,
		}, resilience.RealClock{})
		require.NoError(t, err)
		policy, err := resilience.NewPolicy(name, retry, breaker)
		require.NoError(t, err)
		return policy
	}

	coord, err := New(Deps{
		Store:             store,
		Publisher:         publisher,
		Reasoning:         reasoning,
		Deployer:          deployer,
		DiagnosisPolicy:   newPolicy("test_diagnosis"),
		RemediationPolicy: newPolicy("test_remediation"),
	}, setup.config)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		assert.NoError(t, coord.Shutdown(ctx))
		publisher.Close()
	})

	return &harness{
		coord:     coord,
		store:     store,
		repo:      setup.repo,
		publisher: publisher,
		sub:       sub,
		reasoning: reasoning,
		deployer:  deployer,
	}
}

func (h *harness) fault(t *testing.T, code, symptom string) string {
	t.Helper()
	id, err := h.coord.OnFault(context.Background(), domain.Fault{ErrorCode: code, SymptomText: symptom})
	require.NoError(t, err)
	return id
}

func (h *harness) waitStatus(t *testing.T, id string, status domain.IncidentStatus) *domain.Incident {
	t.Helper()
	var last *domain.Incident
	require.Eventually(t, func() bool {
		inc, err := h.coord.Get(context.Background(), id)
		if err != nil {
			return false
		}
		last = inc
		return inc.Status == status
	}, waitFor, tick, "incident %s never reached %s", id, status)
	return last
}

func (h *harness) events(t *testing.T, n int) []domain.TransitionEvent {
	t.Helper()
	got := make([]domain.TransitionEvent, 0, n)
	timeout := time.After(waitFor)
	for len(got) < n {
		select {
		case ev := <-h.sub.Events():
			got = append(got, ev)
		case <-timeout:
			require.FailNowf(t, "timed out waiting for events", "got %d of %d: %+v", len(got), n, got)
		}
	}
	return got
}

func (h *harness) noMoreEvents(t *testing.T) {
	t.Helper()
	select {
	case ev := <-h.sub.Events():
		assert.Failf(t, "unexpected event", "%+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func transitions(evs []domain.TransitionEvent) [][2]domain.IncidentStatus {
	out := make([][2]domain.IncidentStatus, len(evs))
	for i, ev := range evs {
		out[i] = [2]domain.IncidentStatus{ev.From, ev.To}
	}
	return out
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "unknown policy", mutate: func(c *Config) { c.CircuitOpenPolicy = "retry" }, wantErr: true},
		{name: "confidence above one", mutate: func(c *Config) { c.MinConfidence = 1.5 }, wantErr: true},
		{name: "negative history", mutate: func(c *Config) { c.HistoryLimit = -1 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCoordinator_EndToEnd(t *testing.T) {
	h := newHarness(t, &fakeReasoning{fn: actionable(0.9)}, nil)

	id := h.fault(t, "sql_500", "SELECT * FROM orders WHERE customer_id = 42 returned 500")

	evs := h.events(t, 4)
	assert.Equal(t, [][2]domain.IncidentStatus{
		{domain.IncidentStatusOpen, domain.IncidentStatusDiagnosing},
		{domain.IncidentStatusDiagnosing, domain.IncidentStatusDiagnosed},
		{domain.IncidentStatusDiagnosed, domain.IncidentStatusRemediating},
		{domain.IncidentStatusRemediating, domain.IncidentStatusResolved},
	}, transitions(evs))
	for i, ev := range evs {
		assert.Equal(t, id, ev.IncidentID)
		if i > 0 {
			assert.Greater(t, ev.Seq, evs[i-1].Seq)
		}
	}

	inc := h.waitStatus(t, id, domain.IncidentStatusResolved)
	h.coord.Wait()

	assert.Equal(t, "SQL_500", inc.ErrorCode)
	assert.Len(t, inc.Symptoms, 1)
	require.NotNil(t, inc.Diagnosis)
	assert.Equal(t, "fake", inc.Diagnosis.Provider)
	assert.False(t, inc.Diagnosis.DiagnosedAt.IsZero())
	require.Len(t, inc.RemediationAttempts, 1)
	assert.Equal(t, domain.RemediationOutcomeSucceeded, inc.RemediationAttempts[0].Outcome)
	assert.NotNil(t, inc.RemediationAttempts[0].EndedAt)
	assert.Empty(t, inc.LastError)
	assert.Equal(t, 0, h.coord.Status().OpenIncidents)
	h.noMoreEvents(t)
}

func TestCoordinator_ReasoningAlwaysFails(t *testing.T) {
	reasoning := &fakeReasoning{fn: func(context.Context, domain.IncidentContext) (*domain.Diagnosis, error) {
		return nil, errors.New("model unavailable")
	}}
	h := newHarness(t, reasoning, nil)

	id := h.fault(t, "SQL_500", "select failed")

	inc := h.waitStatus(t, id, domain.IncidentStatusFailed)
	h.coord.Wait()

	assert.Equal(t, 3, reasoning.Calls())
	assert.Contains(t, inc.LastError, "retries exhausted after 3 attempt(s)")
	assert.Contains(t, inc.LastError, "model unavailable")
	assert.Empty(t, inc.RemediationAttempts)
	assert.Nil(t, inc.Diagnosis)
	assert.Equal(t, 0, h.deployer.Calls())

	assert.Equal(t, [][2]domain.IncidentStatus{
		{domain.IncidentStatusOpen, domain.IncidentStatusDiagnosing},
		{domain.IncidentStatusDiagnosing, domain.IncidentStatusFailed},
	}, transitions(h.events(t, 2)))
}

func TestCoordinator_ConcurrentFaultsShareIncident(t *testing.T) {
	reasoning := &fakeReasoning{fn: func(context.Context, domain.IncidentContext) (*domain.Diagnosis, error) {
		return &domain.Diagnosis{RootCause: "unknown", Confidence: 0.2}, nil
	}}
	h := newHarness(t, reasoning, nil)

	const n = 20
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := h.coord.OnFault(context.Background(), domain.Fault{
				ErrorCode:   "SQL_500",
				SymptomText: "select failed",
			})
			assert.NoError(t, err)
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	var first string
	for id := range ids {
		if first == "" {
			first = id
		}
		assert.Equal(t, first, id)
	}

	inc := h.waitStatus(t, first, domain.IncidentStatusDiagnosed)
	h.coord.Wait()

	assert.Len(t, inc.Symptoms, n)
	assert.Equal(t, 1, reasoning.Calls())
	assert.Equal(t, 1, h.coord.Status().OpenIncidents)
}

func TestCoordinator_ConcurrentRemediate(t *testing.T) {
	release := make(chan struct{})
	deployer := &fakeDeployer{fn: func(ctx context.Context, req domain.DeployRequest) (*domain.DeployResult, error) {
		<-release
		return &domain.DeployResult{Deployed: true}, nil
	}}
	h := newHarness(t, &fakeReasoning{fn: actionable(0.9)}, deployer,
		withConfig(func(c *Config) { c.AutoRemediate = false }),
	)

	id := h.fault(t, "SQL_500", "select failed")
	h.waitStatus(t, id, domain.IncidentStatusDiagnosed)

	const n = 10
	results := make(chan error, n)
	for range n {
		go func() {
			results <- h.coord.Remediate(context.Background(), id)
		}()
	}

	// The winner blocks in the deployer, so every other caller is rejected first.
	for range n - 1 {
		select {
		case err := <-results:
			assert.ErrorIs(t, err, ErrAlreadyInProgress)
		case <-time.After(waitFor):
			require.FailNow(t, "timed out waiting for rejected callers")
		}
	}
	close(release)

	select {
	case err := <-results:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		require.FailNow(t, "timed out waiting for remediation")
	}

	inc := h.waitStatus(t, id, domain.IncidentStatusResolved)
	assert.Equal(t, 1, deployer.Calls())
	assert.Equal(t, 1, deployer.maxActive)
	require.Len(t, inc.RemediationAttempts, 1)
	assert.Equal(t, domain.RemediationOutcomeSucceeded, inc.RemediationAttempts[0].Outcome)
}

func TestCoordinator_CancelDiagnosis(t *testing.T) {
	started := make(chan struct{})
	block := blockUntilCancelled[*domain.Diagnosis](started)
	reasoning := &fakeReasoning{fn: func(ctx context.Context, _ domain.IncidentContext) (*domain.Diagnosis, error) {
		return block(ctx)
	}}
	h := newHarness(t, reasoning, nil)

	id := h.fault(t, "SQL_500", "select failed")
	<-started

	require.NoError(t, h.coord.Cancel(context.Background(), id))

	inc := h.waitStatus(t, id, domain.IncidentStatusOpen)
	h.coord.Wait()

	assert.Empty(t, inc.LastError)
	assert.Equal(t, 1, reasoning.Calls())
	assert.Equal(t, [][2]domain.IncidentStatus{
		{domain.IncidentStatusOpen, domain.IncidentStatusDiagnosing},
		{domain.IncidentStatusDiagnosing, domain.IncidentStatusOpen},
	}, transitions(h.events(t, 2)))

	assert.ErrorIs(t, h.coord.Cancel(context.Background(), id), ErrNoActiveFlow)
	assert.ErrorIs(t, h.coord.Cancel(context.Background(), "missing"), incidents.ErrIncidentNotFound)
}

func TestCoordinator_CancelRemediation(t *testing.T) {
	started := make(chan struct{})
	block := blockUntilCancelled[*domain.DeployResult](started)
	deployer := &fakeDeployer{fn: func(ctx context.Context, _ domain.DeployRequest) (*domain.DeployResult, error) {
		return block(ctx)
	}}
	h := newHarness(t, &fakeReasoning{fn: actionable(0.9)}, deployer)

	id := h.fault(t, "SQL_500", "select failed")
	<-started

	require.NoError(t, h.coord.Cancel(context.Background(), id))

	h.coord.Wait()
	inc := h.waitStatus(t, id, domain.IncidentStatusDiagnosed)
	require.Len(t, inc.RemediationAttempts, 1)
	assert.Equal(t, domain.RemediationOutcomeCancelled, inc.RemediationAttempts[0].Outcome)
	assert.NotNil(t, inc.RemediationAttempts[0].EndedAt)
	assert.Equal(t, 1, deployer.Calls())
}

func TestCoordinator_CircuitOpenPolicy(t *testing.T) {
	tests := []struct {
		name   string
		policy CircuitOpenPolicy
		want   domain.IncidentStatus
	}{
		{name: "reopen", policy: CircuitOpenReopen, want: domain.IncidentStatusOpen},
		{name: "fail", policy: CircuitOpenFail, want: domain.IncidentStatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reasoning := &fakeReasoning{fn: actionable(0.9)}
			h := newHarness(t, reasoning, nil,
				withThreshold(1),
				withConfig(func(c *Config) { c.CircuitOpenPolicy = tt.policy }),
			)

			err := h.coord.diagnosisPolicy.Breaker().Execute(context.Background(), func(context.Context) error {
				return errors.New("boom")
			})
			require.Error(t, err)
			require.Equal(t, resilience.StateOpen, h.coord.diagnosisPolicy.Breaker().State())

			id := h.fault(t, "SQL_500", "select failed")

			inc := h.waitStatus(t, id, tt.want)
			h.coord.Wait()

			assert.Equal(t, 0, reasoning.Calls())
			assert.Contains(t, inc.LastError, "is open")
			assert.Equal(t, [][2]domain.IncidentStatus{
				{domain.IncidentStatusOpen, domain.IncidentStatusDiagnosing},
				{domain.IncidentStatusDiagnosing, tt.want},
			}, transitions(h.events(t, 2)))
		})
	}
}

func TestCoordinator_RemediationCircuitOpenReverts(t *testing.T) {
	h := newHarness(t, &fakeReasoning{fn: actionable(0.9)}, nil,
		withThreshold(1),
		withConfig(func(c *Config) { c.AutoRemediate = false }),
	)

	id := h.fault(t, "SQL_500", "select failed")
	h.waitStatus(t, id, domain.IncidentStatusDiagnosed)

	_ = h.coord.remediationPolicy.Breaker().Execute(context.Background(), func(context.Context) error {
		return errors.New("boom")
	})

	err := h.coord.Remediate(context.Background(), id)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)

	inc := h.waitStatus(t, id, domain.IncidentStatusDiagnosed)
	require.Len(t, inc.RemediationAttempts, 1)
	assert.Equal(t, domain.RemediationOutcomeAbandoned, inc.RemediationAttempts[0].Outcome)
	assert.Equal(t, 0, h.deployer.Calls())
}

func TestCoordinator_RemediationFailures(t *testing.T) {
	tests := []struct {
		name      string
		fn        func(context.Context, domain.DeployRequest) (*domain.DeployResult, error)
		calls     int
		outcome   domain.RemediationOutcome
		lastError string
	}{
		{
			name: "rejected patch is not retried",
			fn: func(context.Context, domain.DeployRequest) (*domain.DeployResult, error) {
				return nil, rejectedErr{}
			},
			calls:     1,
			outcome:   domain.RemediationOutcomeRejected,
			lastError: "patch rejected",
		},
		{
			name: "unverified deployment is retried",
			fn: func(context.Context, domain.DeployRequest) (*domain.DeployResult, error) {
				return &domain.DeployResult{Deployed: false, Detail: "health check failing"}, nil
			},
			calls:     3,
			outcome:   domain.RemediationOutcomeFailed,
			lastError: "deployment not verified: health check failing",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deployer := &fakeDeployer{fn: tt.fn}
			h := newHarness(t, &fakeReasoning{fn: actionable(0.9)}, deployer,
				withConfig(func(c *Config) { c.AutoRemediate = false }),
			)

			id := h.fault(t, "SQL_500", "select failed")
			h.waitStatus(t, id, domain.IncidentStatusDiagnosed)

			err := h.coord.Remediate(context.Background(), id)
			require.Error(t, err)

			inc := h.waitStatus(t, id, domain.IncidentStatusFailed)
			assert.Equal(t, tt.calls, deployer.Calls())
			require.Len(t, inc.RemediationAttempts, 1)
			assert.Equal(t, tt.outcome, inc.RemediationAttempts[0].Outcome)
			assert.Contains(t, inc.LastError, tt.lastError)
		})
	}
}

func TestCoordinator_Guards(t *testing.T) {
	t.Run("remediate unknown incident", func(t *testing.T) {
		h := newHarness(t, &fakeReasoning{fn: actionable(0.9)}, nil)
		assert.ErrorIs(t, h.coord.Remediate(context.Background(), "missing"), incidents.ErrIncidentNotFound)
		assert.ErrorIs(t, h.coord.Diagnose(context.Background(), "missing"), incidents.ErrIncidentNotFound)
	})

	t.Run("remediate without patch", func(t *testing.T) {
		h := newHarness(t, &fakeReasoning{fn: func(context.Context, domain.IncidentContext) (*domain.Diagnosis, error) {
			return &domain.Diagnosis{RootCause: "flaky upstream", Confidence: 0.9}, nil
		}}, nil)

		id := h.fault(t, "SQL_500", "select failed")
		h.waitStatus(t, id, domain.IncidentStatusDiagnosed)
		h.coord.Wait()

		assert.ErrorIs(t, h.coord.Remediate(context.Background(), id), ErrNotActionable)
		assert.ErrorIs(t, h.coord.Diagnose(context.Background(), id), ErrInvalidState)
		assert.Equal(t, 0, h.deployer.Calls())
	})

	t.Run("remediate while diagnosing", func(t *testing.T) {
		started := make(chan struct{})
		block := blockUntilCancelled[*domain.Diagnosis](started)
		h := newHarness(t, &fakeReasoning{fn: func(ctx context.Context, _ domain.IncidentContext) (*domain.Diagnosis, error) {
			return block(ctx)
		}}, nil)

		id := h.fault(t, "SQL_500", "select failed")
		<-started

		assert.ErrorIs(t, h.coord.Remediate(context.Background(), id), ErrInvalidState)
		assert.ErrorIs(t, h.coord.Diagnose(context.Background(), id), ErrAlreadyInProgress)
	})
}

func TestCoordinator_LowConfidenceWaitsForOperator(t *testing.T) {
	h := newHarness(t, &fakeReasoning{fn: actionable(0.5)}, nil)

	id := h.fault(t, "SQL_500", "select failed")
	h.waitStatus(t, id, domain.IncidentStatusDiagnosed)
	h.coord.Wait()
	assert.Equal(t, 0, h.deployer.Calls())

	require.NoError(t, h.coord.Remediate(context.Background(), id))
	inc := h.waitStatus(t, id, domain.IncidentStatusResolved)
	assert.Equal(t, 1, h.deployer.Calls())
	assert.Len(t, inc.RemediationAttempts, 1)
}

func TestCoordinator_FaultAfterResolutionOpensNewIncident(t *testing.T) {
	reasoning := &fakeReasoning{fn: actionable(0.9)}
	h := newHarness(t, reasoning, nil)

	first := h.fault(t, "SQL_500", "select failed")
	h.waitStatus(t, first, domain.IncidentStatusResolved)
	h.coord.Wait()

	second := h.fault(t, "SQL_500", "select failed")
	assert.NotEqual(t, first, second)
	h.waitStatus(t, second, domain.IncidentStatusResolved)
	h.coord.Wait()

	reasoning.mu.Lock()
	defer reasoning.mu.Unlock()
	require.Len(t, reasoning.history, 2)
	assert.Empty(t, reasoning.history[0])
	require.Len(t, reasoning.history[1], 1)
	assert.Equal(t, first, reasoning.history[1][0].IncidentID)
	assert.Equal(t, "patch-sql-500", reasoning.history[1][0].PatchRef)
	assert.Equal(t, domain.RemediationOutcomeSucceeded, reasoning.history[1][0].Outcome)
}

func TestCoordinator_StaleResultDiscarded(t *testing.T) {
	h := newHarness(t, &fakeReasoning{fn: actionable(0.9)}, nil,
		withConfig(func(c *Config) { c.AutoRemediate = false }),
	)

	id := h.fault(t, "SQL_500", "select failed")
	before := h.waitStatus(t, id, domain.IncidentStatusDiagnosed)
	h.coord.Wait()
	h.events(t, 2)

	_, err := h.coord.applyDiagnosis(context.Background(), id, "some-old-flow", &domain.Diagnosis{RootCause: "late"}, nil)
	assert.ErrorIs(t, err, errStaleResult)

	after, err := h.coord.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, before.Diagnosis.RootCause, after.Diagnosis.RootCause)
	h.noMoreEvents(t)
}

func TestCoordinator_Recover(t *testing.T) {
	repo := memory.NewRepository()
	now := time.Now().UTC()
	seed := []*domain.Incident{
		{
			ID: "diag", Fingerprint: "fp-diag", ErrorCode: "SQL_500",
			Status: domain.IncidentStatusDiagnosing, FlowID: "dead-flow",
			Version: 2, CreatedAt: now, UpdatedAt: now,
		},
		{
			ID: "rem", Fingerprint: "fp-rem", ErrorCode: "SQL_500",
			Status:    domain.IncidentStatusRemediating,
			FlowID:    "dead-flow-2",
			Diagnosis: &domain.Diagnosis{RootCause: "x", SuggestedPatchRef: "p"},
			RemediationAttempts: []domain.RemediationAttempt{
				{StartedAt: now, Outcome: domain.RemediationOutcomeInProgress},
			},
			Version: 4, CreatedAt: now, UpdatedAt: now,
		},
		{
			ID: "open", Fingerprint: "fp-open", ErrorCode: "SQL_500",
			Status: domain.IncidentStatusOpen, Version: 1, CreatedAt: now, UpdatedAt: now,
		},
	}
	for _, inc := range seed {
		require.NoError(t, repo.Save(context.Background(), inc))
	}

	h := newHarness(t, &fakeReasoning{fn: actionable(0.9)}, nil, withRepository(repo))

	n, err := h.coord.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	diag, err := h.coord.Get(context.Background(), "diag")
	require.NoError(t, err)
	assert.Equal(t, domain.IncidentStatusOpen, diag.Status)
	assert.Empty(t, diag.FlowID)

	rem, err := h.coord.Get(context.Background(), "rem")
	require.NoError(t, err)
	assert.Equal(t, domain.IncidentStatusDiagnosed, rem.Status)
	require.Len(t, rem.RemediationAttempts, 1)
	assert.Equal(t, domain.RemediationOutcomeAbandoned, rem.RemediationAttempts[0].Outcome)

	open, err := h.coord.Get(context.Background(), "open")
	require.NoError(t, err)
	assert.Equal(t, domain.IncidentStatusOpen, open.Status)
	assert.Equal(t, int64(1), open.Version)

	for _, ev := range h.events(t, 2) {
		assert.Equal(t, "recovered after restart", ev.Detail)
	}
}

func TestCoordinator_Retrigger(t *testing.T) {
	repo := memory.NewRepository()
	now := time.Now().UTC()
	require.NoError(t, repo.Save(context.Background(), &domain.Incident{
		ID: "open", Fingerprint: "fp-open", ErrorCode: "SQL_500",
		Status: domain.IncidentStatusOpen, Version: 1, CreatedAt: now, UpdatedAt: now,
	}))

	h := newHarness(t, &fakeReasoning{fn: actionable(0.9)}, nil,
		withRepository(repo),
		withConfig(func(c *Config) { c.AutoRemediate = false }),
	)

	assert.Equal(t, 1, h.coord.Retrigger(context.Background()))
	h.waitStatus(t, "open", domain.IncidentStatusDiagnosed)
	h.coord.Wait()

	assert.Equal(t, 0, h.coord.Retrigger(context.Background()))
}

func TestCoordinator_Shutdown(t *testing.T) {
	started := make(chan struct{})
	block := blockUntilCancelled[*domain.Diagnosis](started)
	h := newHarness(t, &fakeReasoning{fn: func(ctx context.Context, _ domain.IncidentContext) (*domain.Diagnosis, error) {
		return block(ctx)
	}}, nil)

	id := h.fault(t, "SQL_500", "select failed")
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, h.coord.Shutdown(ctx))

	inc, err := h.coord.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.IncidentStatusOpen, inc.Status)

	// Faults are still recorded after shutdown but start no flow.
	again := h.fault(t, "SQL_500", "select failed")
	assert.Equal(t, id, again)
	inc, err = h.coord.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.IncidentStatusOpen, inc.Status)
	assert.Len(t, inc.Symptoms, 2)

	assert.ErrorIs(t, h.coord.Diagnose(context.Background(), id), ErrShuttingDown)
}

func TestCoordinator_Status(t *testing.T) {
	h := newHarness(t, &fakeReasoning{fn: actionable(0.9)}, nil,
		withConfig(func(c *Config) { c.AutoRemediate = false }),
	)

	id := h.fault(t, "SQL_500", "select failed")
	h.waitStatus(t, id, domain.IncidentStatusDiagnosed)
	h.coord.Wait()

	status := h.coord.Status()
	assert.Equal(t, 1, status.OpenIncidents)
	assert.Equal(t, 0, status.ActiveFlows)
	assert.Equal(t, 1, status.Subscribers)
	require.Len(t, status.Circuits, 2)
	assert.Equal(t, "test_diagnosis", status.Circuits[0].Name)
	assert.Equal(t, "closed", status.Circuits[0].State)
}

func TestSweeper(t *testing.T) {
	repo := memory.NewRepository()
	now := time.Now().UTC()
	require.NoError(t, repo.Save(context.Background(), &domain.Incident{
		ID: "open", Fingerprint: "fp-open", ErrorCode: "SQL_500",
		Status: domain.IncidentStatusOpen, Version: 1, CreatedAt: now, UpdatedAt: now,
	}))
	h := newHarness(t, &fakeReasoning{fn: actionable(0.9)}, nil, withRepository(repo))

	_, err := NewSweeper(h.coord, "not a schedule")
	assert.Error(t, err)

	sweeper, err := NewSweeper(h.coord, "@every 1h")
	require.NoError(t, err)
	require.NoError(t, sweeper.Start(context.Background()))
	defer sweeper.Stop()

	assert.Equal(t, 1, sweeper.Sweep(context.Background()))
	h.waitStatus(t, "open", domain.IncidentStatusResolved)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, 0, sweeper.Sweep(cancelled))
}
