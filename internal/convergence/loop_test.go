package convergence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sh00ty/hostfleet/internal/models"
)

type fakeRepository struct {
	mu    sync.Mutex
	specs []models.ContainerSpec
	err   error
}

func (f *fakeRepository) GetContainersToRun(ctx context.Context) ([]models.ContainerSpec, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]models.ContainerSpec, len(f.specs))
	copy(out, f.specs)
	return out, nil
}

type fakeOrchestrator struct {
	mu          sync.Mutex
	denyResume  bool
	denySuspend bool
	resumed     int
	suspended   int
}

func (f *fakeOrchestrator) Resume(ctx context.Context, host string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.denyResume {
		return NewOrchestratorDeniedError("resume denied")
	}
	f.resumed++
	return nil
}

func (f *fakeOrchestrator) Suspend(ctx context.Context, host string, hostnames []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.denySuspend {
		return NewOrchestratorDeniedError("suspend denied")
	}
	f.suspended++
	return nil
}

type fakeNodeAdmin struct {
	mu              sync.Mutex
	frozen          bool
	convergesFrozen bool
	frozenSince     time.Time
	stopped         bool
	refreshed       []models.ContainerSpec
	shutdown        bool
}

func newFakeNodeAdmin() *fakeNodeAdmin {
	return &fakeNodeAdmin{convergesFrozen: true, frozenSince: time.Now()}
}

func (f *fakeNodeAdmin) SetFrozen(ctx context.Context, frozen bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.frozen != frozen {
		f.frozen = frozen
		f.frozenSince = time.Now()
	}
	return f.convergesFrozen, nil
}

func (f *fakeNodeAdmin) SubsystemFreezeDuration() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return time.Since(f.frozenSince)
}

func (f *fakeNodeAdmin) RefreshContainersToRun(ctx context.Context, specs []models.ContainerSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshed = specs
	return nil
}

func (f *fakeNodeAdmin) StopNodeAgentServices(ctx context.Context, hostnames []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func (f *fakeNodeAdmin) DebugInfo() map[string]any { return map[string]any{} }

func (f *fakeNodeAdmin) Shutdown(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdown = true
}

func newTestLoop(repo NodeRepository, orch Orchestrator, admin NodeAdmin) *Loop {
	return New("host-1", repo, orch, admin, zerolog.Nop())
}

func TestInitialStateIsSuspendedNodeAdmin(t *testing.T) {
	l := newTestLoop(&fakeRepository{}, &fakeOrchestrator{}, newFakeNodeAdmin())
	assert.Equal(t, SuspendedNodeAdmin, l.getCurrentState())
}

func TestConvergeToResumed(t *testing.T) {
	l := newTestLoop(&fakeRepository{}, &fakeOrchestrator{}, newFakeNodeAdmin())

	err := l.converge(context.Background(), Resumed)
	require.NoError(t, err)
	assert.Equal(t, Resumed, l.getCurrentState())
}

func TestConvergeSuspendDeniedThenAllowed(t *testing.T) {
	orch := &fakeOrchestrator{denySuspend: true}
	l := newTestLoop(&fakeRepository{}, orch, newFakeNodeAdmin())
	require.NoError(t, l.converge(context.Background(), Resumed))

	err := l.converge(context.Background(), Suspended)
	require.Error(t, err)
	assert.True(t, isOrchestratorDenied(err))
	assert.Equal(t, Resumed, l.getCurrentState(), "a denied suspend must not advance currentState")

	orch.mu.Lock()
	orch.denySuspend = false
	orch.mu.Unlock()

	require.NoError(t, l.converge(context.Background(), Suspended))
	assert.Equal(t, Suspended, l.getCurrentState())
}

func TestConvergeWaitsOnUnconvergedNodeAdmin(t *testing.T) {
	admin := newFakeNodeAdmin()
	admin.convergesFrozen = false
	l := newTestLoop(&fakeRepository{}, &fakeOrchestrator{}, admin)

	err := l.converge(context.Background(), Resumed)
	require.Error(t, err)
	assert.True(t, isConvergenceNotYet(err))
	assert.Equal(t, SuspendedNodeAdmin, l.getCurrentState())
}

func TestSetWantedStateReportsConvergedWithoutWaiting(t *testing.T) {
	l := newTestLoop(&fakeRepository{}, &fakeOrchestrator{}, newFakeNodeAdmin())

	alreadyThere := l.SetWantedState(SuspendedNodeAdmin)
	assert.True(t, alreadyThere, "currentState already equals the requested target")

	alreadyThere = l.SetWantedState(Resumed)
	assert.False(t, alreadyThere)
}

func TestStartStopRunsToCompletion(t *testing.T) {
	repo := &fakeRepository{specs: []models.ContainerSpec{
		{Hostname: "c1", NodeState: models.StateActive},
	}}
	admin := newFakeNodeAdmin()
	l := newTestLoop(repo, &fakeOrchestrator{}, admin)

	require.NoError(t, l.Start(50*time.Millisecond))
	l.SetWantedState(Resumed)

	require.Eventually(t, func() bool {
		return l.getCurrentState() == Resumed
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, l.Stop())
	assert.True(t, admin.shutdown)
	assert.Equal(t, ErrAlreadyStopped, l.Stop())
}

func TestFreezeConvergenceTimeoutForcesUnfreeze(t *testing.T) {
	admin := newFakeNodeAdmin()
	admin.convergesFrozen = false
	admin.frozen = true
	admin.frozenSince = time.Now().Add(-FreezeConvergenceTimeout - time.Minute)
	l := newTestLoop(&fakeRepository{}, &fakeOrchestrator{}, admin)
	l.wantedState = Suspended

	l.runTick(context.Background())

	admin.mu.Lock()
	defer admin.mu.Unlock()
	assert.False(t, admin.frozen, "stuck past the freeze timeout should force an unfreeze attempt")
}
