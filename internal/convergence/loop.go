// Package convergence drives a single host's container population towards
// a desired state declared by an external node repository, coordinating
// graceful suspend/resume with a cluster orchestrator.
//
// Grounded on nlb-agent/internal/scheduler.Scheduler: one goroutine runs a
// for-loop around a single blocking wait, classifies the outcome of an
// iteration into a retry/no-retry decision, and never lets a classified
// error escape the loop.
package convergence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-uuid"
	"github.com/rs/zerolog"

	"github.com/Sh00ty/hostfleet/internal/models"
)

// FreezeConvergenceTimeout is how long a non-RESUMED target may spend stuck
// trying to freeze before the loop forces the node admin driver unfrozen to
// avoid stalling the agent indefinitely.
const FreezeConvergenceTimeout = 5 * time.Minute

// State is a point on the convergence chain RESUMED <-> SUSPENDED_NODE_ADMIN
// <-> SUSPENDED. Direct RESUMED->SUSPENDED is always a two-step move through
// SuspendedNodeAdmin.
type State int

const (
	Resumed State = iota
	SuspendedNodeAdmin
	Suspended
)

func (s State) String() string {
	switch s {
	case Resumed:
		return "RESUMED"
	case SuspendedNodeAdmin:
		return "SUSPENDED_NODE_ADMIN"
	case Suspended:
		return "SUSPENDED"
	default:
		return "UNKNOWN"
	}
}

// NodeRepository is the authoritative store of what should be running on
// this host. It is out of scope for this core beyond this interface.
type NodeRepository interface {
	GetContainersToRun(ctx context.Context) ([]models.ContainerSpec, error)
}

// Orchestrator grants or denies permission to suspend or resume a host.
// Resume/Suspend should return an error satisfying isOrchestratorDenied
// (built with NewOrchestratorDeniedError) when permission is withheld.
type Orchestrator interface {
	Resume(ctx context.Context, host string) error
	Suspend(ctx context.Context, host string, hostnames []string) error
}

// NodeAdmin drives container lifecycle on this host.
type NodeAdmin interface {
	// SetFrozen requests the subsystem freeze (or unfreeze) container
	// mutation, and reports whether it has already converged to that state.
	SetFrozen(ctx context.Context, frozen bool) (bool, error)
	// SubsystemFreezeDuration is how long the subsystem has been attempting
	// to reach its currently requested freeze state.
	SubsystemFreezeDuration() time.Duration
	RefreshContainersToRun(ctx context.Context, specs []models.ContainerSpec) error
	StopNodeAgentServices(ctx context.Context, hostnames []string) error
	DebugInfo() map[string]any
	Shutdown(ctx context.Context)
}

// Loop is a per-host convergence supervisor. Exactly one background worker
// runs per Loop; all shared mutable fields are guarded by mu.
type Loop struct {
	host string

	nodeRepository NodeRepository
	orchestrator   Orchestrator
	nodeAdmin      NodeAdmin

	log zerolog.Logger

	mu           sync.Mutex
	wantedState  State
	currentState State
	workPending  bool
	terminated   bool
	started      bool
	tickInterval time.Duration
	lastTick     time.Time
	lastTickID   string

	wakeCh chan struct{}
	doneCh chan struct{}
}

// New builds a Loop with the initial current state SUSPENDED_NODE_ADMIN and
// wanted state RESUMED, matching the source agent's boot posture: assume
// frozen until told otherwise, then converge towards whatever is requested.
func New(host string, repo NodeRepository, orchestrator Orchestrator, admin NodeAdmin, logger zerolog.Logger) *Loop {
	return &Loop{
		host:           host,
		nodeRepository: repo,
		orchestrator:   orchestrator,
		nodeAdmin:      admin,
		log:            logger.With().Str("component", "convergence").Str("host", host).Logger(),
		currentState:   SuspendedNodeAdmin,
		wantedState:    Resumed,
		wakeCh:         make(chan struct{}, 1),
		doneCh:         make(chan struct{}),
	}
}

// SetWantedState records the externally requested target and wakes the loop
// if it changed. It returns whether currentState already equals s at the
// time of the call; it does not wait for convergence.
func (l *Loop) SetWantedState(s State) bool {
	l.mu.Lock()
	changed := l.wantedState != s
	if changed {
		l.wantedState = s
	}
	converged := l.currentState == s
	l.mu.Unlock()

	if changed {
		l.signalWork()
	}
	return converged
}

// GetDebug returns a snapshot of the loop's state for operator inspection.
func (l *Loop) GetDebug() map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()

	return map[string]any{
		"host":         l.host,
		"nodeAdmin":    l.nodeAdmin.DebugInfo(),
		"wantedState":  l.wantedState.String(),
		"currentState": l.currentState.String(),
		"lastTickId":   l.lastTickID,
		"lastTick":     l.lastTick,
		"convergedNow": l.currentState == l.wantedState,
	}
}

// Start begins the periodic reconciliation with the given tick interval. It
// fails if the loop was already started.
func (l *Loop) Start(interval time.Duration) error {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return ErrAlreadyStarted
	}
	l.started = true
	l.tickInterval = interval
	l.lastTick = time.Now()
	l.mu.Unlock()

	go l.run(context.Background())
	return nil
}

// Stop terminates the loop. It signals the worker, waits up to 10s for it to
// exit, then shuts down the node admin driver regardless of whether the
// worker exited in time. A second call fails.
func (l *Loop) Stop() error {
	l.mu.Lock()
	if l.terminated {
		l.mu.Unlock()
		return ErrAlreadyStopped
	}
	l.terminated = true
	l.mu.Unlock()

	l.signalWork()

	select {
	case <-l.doneCh:
	case <-time.After(10 * time.Second):
		l.log.Error().Msg("tick loop did not stop within 10s, shutting down node admin anyway")
	}

	l.nodeAdmin.Shutdown(context.Background())
	return nil
}

func (l *Loop) signalWork() {
	l.mu.Lock()
	l.workPending = true
	l.mu.Unlock()

	select {
	case l.wakeCh <- struct{}{}:
	default:
	}
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.doneCh)

	for {
		l.waitForTick()

		l.mu.Lock()
		terminated := l.terminated
		l.mu.Unlock()
		if terminated {
			return
		}

		l.runTick(ctx)
	}
}

// waitForTick blocks until either workPending is set or tickInterval has
// elapsed since lastTick, then clears workPending and advances lastTick.
// Spurious wakeups (such as a stale wake signal) are harmless: the predicate
// is re-checked after every wakeup and the wait resumes if it does not hold.
func (l *Loop) waitForTick() {
	for {
		l.mu.Lock()
		pending := l.workPending
		remainder := l.tickInterval - time.Since(l.lastTick)
		l.mu.Unlock()

		if pending || remainder <= 0 {
			break
		}
		timer := time.NewTimer(remainder)
		select {
		case <-l.wakeCh:
		case <-timer.C:
		}
		timer.Stop()
	}

	l.mu.Lock()
	l.lastTick = time.Now()
	l.workPending = false
	l.mu.Unlock()
}

func (l *Loop) getCurrentState() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentState
}

func (l *Loop) setCurrentState(s State) {
	l.mu.Lock()
	l.currentState = s
	l.mu.Unlock()
}

func (l *Loop) runTick(ctx context.Context) {
	l.mu.Lock()
	var target *State
	if l.currentState != l.wantedState {
		t := l.wantedState
		target = &t
	}
	l.mu.Unlock()

	tickID, err := uuid.GenerateUUID()
	if err != nil {
		tickID = "unknown"
	}
	l.mu.Lock()
	l.lastTickID = tickID
	l.mu.Unlock()
	logger := l.log.With().Str("tick_id", tickID).Logger()

	converged := false
	if target != nil {
		err := l.converge(ctx, *target)
		switch {
		case err == nil:
			converged = true
		case isOrchestratorDenied(err):
			logger.Info().Err(err).Msgf("orchestrator denied convergence to %s, retrying next tick", *target)
		case isConvergenceNotYet(err):
			logger.Info().Err(err).Msgf("convergence to %s not yet ready, retrying next tick", *target)
		default:
			logger.Error().Err(err).Msgf("unexpected error converging to %s, retrying next tick", *target)
		}

		if *target != Resumed && !converged {
			if d := l.nodeAdmin.SubsystemFreezeDuration(); d > FreezeConvergenceTimeout {
				logger.Info().Msg("timed out trying to freeze, forcing unfrozen ticks")
				if _, ferr := l.nodeAdmin.SetFrozen(ctx, false); ferr != nil {
					logger.Warn().Err(ferr).Msg("failed to force-unfreeze node admin")
				}
			}
		}
	}

	l.fetchContainersToRun(ctx, logger)
}

// converge attempts to move currentState towards target, one gated
// transition at a time: freeze/unfreeze, then RESUMED via
// orchestrator.Resume, or SUSPENDED_NODE_ADMIN via orchestrator.Suspend
// followed (if target is SUSPENDED) by stopping node agent services.
func (l *Loop) converge(ctx context.Context, target State) error {
	wantFrozen := target != Resumed
	frozen, err := l.nodeAdmin.SetFrozen(ctx, wantFrozen)
	if err != nil {
		return fmt.Errorf("setting frozen=%t: %w", wantFrozen, err)
	}
	if !frozen {
		return newConvergenceNotYet(fmt.Sprintf("node admin has not yet converged to frozen=%t", wantFrozen))
	}

	if target == Resumed {
		if err := l.orchestrator.Resume(ctx, l.host); err != nil {
			return fmt.Errorf("resuming host: %w", err)
		}
		l.setCurrentState(Resumed)
		return nil
	}

	// Reading the repository while frozen is required to enumerate active
	// hostnames for suspend, but the result must not be applied to the node
	// admin driver while frozen.
	hostnames, err := l.activeHostnames(ctx)
	if err != nil {
		return fmt.Errorf("fetching active hostnames: %w", err)
	}

	if l.getCurrentState() == Resumed {
		toSuspend := make([]string, 0, len(hostnames)+1)
		toSuspend = append(toSuspend, hostnames...)
		toSuspend = append(toSuspend, l.host)

		if err := l.orchestrator.Suspend(ctx, l.host, toSuspend); err != nil {
			return fmt.Errorf("suspending host: %w", err)
		}
		l.setCurrentState(SuspendedNodeAdmin)
		if target == SuspendedNodeAdmin {
			return nil
		}
	}

	if err := l.nodeAdmin.StopNodeAgentServices(ctx, hostnames); err != nil {
		return fmt.Errorf("stopping node agent services: %w", err)
	}
	l.setCurrentState(Suspended)
	return nil
}

func (l *Loop) activeHostnames(ctx context.Context) ([]string, error) {
	specs, err := l.nodeRepository.GetContainersToRun(ctx)
	if err != nil {
		return nil, err
	}
	hostnames := make([]string, 0, len(specs))
	for _, spec := range specs {
		if spec.NodeState == models.StateActive {
			hostnames = append(hostnames, spec.Hostname)
		}
	}
	return hostnames, nil
}

// fetchContainersToRun holds mu for the entire repository call so that a
// concurrent GetDebug sees a consistent view; this delays debug reads
// during I/O, which is acceptable since debug is best-effort.
func (l *Loop) fetchContainersToRun(ctx context.Context, logger zerolog.Logger) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.currentState != Resumed {
		logger.Info().Msg("not resumed, skipping fetch from node repository")
		return
	}

	specs, err := l.nodeRepository.GetContainersToRun(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("failed fetching containers to run from node repository")
		return
	}
	if specs == nil {
		logger.Warn().Msg("got nil container list from node repository")
		return
	}
	if err := l.nodeAdmin.RefreshContainersToRun(ctx, specs); err != nil {
		logger.Warn().Err(err).Msg("failed refreshing containers to run on node admin")
	}
}
