// Package demo provides minimal in-memory collaborators for running a
// convergence.Loop standalone, without a real node repository, orchestrator
// or container runtime behind it.
//
// Grounded on nlb-agent/internal/storage/inmemory.InMemStateCache: a small
// mutex-guarded map standing in for a networked backend.
package demo

import (
	"context"
	"sync"
	"time"

	"github.com/Sh00ty/hostfleet/internal/models"
)

// Repository is a fixed, mutable in-memory NodeRepository: RefreshContainersToRun and
// GetContainersToRun are not wired together here on purpose, exactly as
// convergence.NodeRepository keeps them on separate interfaces (the
// repository is authoritative, the node admin driver is a consumer).
type Repository struct {
	mu    sync.Mutex
	specs []models.ContainerSpec
}

// NewRepository builds a Repository seeded with specs.
func NewRepository(specs []models.ContainerSpec) *Repository {
	return &Repository{specs: specs}
}

func (r *Repository) GetContainersToRun(ctx context.Context) ([]models.ContainerSpec, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.ContainerSpec, len(r.specs))
	copy(out, r.specs)
	return out, nil
}

// SetContainersToRun replaces the repository's declared set, as an operator
// action would in a real deployment.
func (r *Repository) SetContainersToRun(specs []models.ContainerSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs = specs
}

// Orchestrator always grants suspend/resume immediately.
type Orchestrator struct{}

func (Orchestrator) Resume(ctx context.Context, host string) error { return nil }

func (Orchestrator) Suspend(ctx context.Context, host string, hostnames []string) error { return nil }

// NodeAdmin is a no-op container runtime driver: it converges to any
// requested freeze state on the first call and logs nothing of the
// containers it is asked to run.
type NodeAdmin struct {
	mu       sync.Mutex
	frozen   bool
	frozenAt time.Time
	running  []models.ContainerSpec
}

func NewNodeAdmin() *NodeAdmin {
	return &NodeAdmin{frozenAt: time.Now()}
}

func (n *NodeAdmin) SetFrozen(ctx context.Context, frozen bool) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.frozen != frozen {
		n.frozen = frozen
		n.frozenAt = time.Now()
	}
	return true, nil
}

func (n *NodeAdmin) SubsystemFreezeDuration() time.Duration {
	n.mu.Lock()
	defer n.mu.Unlock()
	return time.Since(n.frozenAt)
}

func (n *NodeAdmin) RefreshContainersToRun(ctx context.Context, specs []models.ContainerSpec) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.running = specs
	return nil
}

func (n *NodeAdmin) StopNodeAgentServices(ctx context.Context, hostnames []string) error {
	return nil
}

func (n *NodeAdmin) DebugInfo() map[string]any {
	n.mu.Lock()
	defer n.mu.Unlock()
	return map[string]any{
		"frozen":       n.frozen,
		"runningCount": len(n.running),
	}
}

func (n *NodeAdmin) Shutdown(ctx context.Context) {}
