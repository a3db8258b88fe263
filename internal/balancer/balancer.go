// Package balancer implements client-side weighted selection among a
// dynamic set of candidate recipients, adapting per-recipient weight on
// busy feedback.
//
// Structurally grounded on healthcheck/internal/consistent.DxHash: a small
// struct guarding a sparse, lazily-grown slice of per-index state. The
// selection rule itself is not DxHash's seeded-PRNG pick (a different,
// incompatible algorithm); it is a deterministic deficit-cursor walk.
package balancer

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// weightRescale is the factor increaseWeights multiplies every tracked
// weight by: 100/99, chosen so that the penalized recipient's floor of 1.0
// preserves its relative disadvantage after the rescale.
const weightRescale = 100.0 / 99.0

// Recipient is a candidate the balancer can select. Name must be shaped
// "{cluster}/x/[y.]number/z"; the balancer treats it as opaque apart from
// the integer index segment.
type Recipient interface {
	Name() string
}

// NodeMetrics is the per-recipient state driving selection.
type NodeMetrics struct {
	Weight float64
	Sent   uint64
	Busy   uint64
}

// Balancer selects among candidates with deterministic weighted
// round-robin, positioned by a running deficit cursor. One instance
// belongs to one client session; callers must serialize Select and Report
// externally, there is no internal locking.
type Balancer struct {
	cluster  string
	position float64
	weights  []*NodeMetrics
}

// New builds a Balancer for recipients named under the given cluster
// prefix.
func New(cluster string) *Balancer {
	return &Balancer{cluster: cluster}
}

// Select walks candidates in order, accumulating weight until the running
// sum exceeds position, and returns that candidate. If position is at least
// the total weight, it wraps: candidates[0] is chosen and position is
// decremented by the total weight, intentionally preserving any overshoot
// remainder rather than taking it modulo the total. Select returns nil, nil
// iff candidates is empty.
func (b *Balancer) Select(candidates []Recipient) (Recipient, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	var (
		weightSum       float64
		firstMetrics    *NodeMetrics
		selected        Recipient
		selectedMetrics *NodeMetrics
	)
	for i, c := range candidates {
		idx, err := ParseIndex(b.cluster, c.Name())
		if err != nil {
			return nil, err
		}
		nm := b.metricsFor(idx)
		if i == 0 {
			firstMetrics = nm
		}
		weightSum += nm.Weight
		if selected == nil && weightSum > b.position {
			selected = c
			selectedMetrics = nm
			break
		}
	}

	if selected == nil {
		b.position -= weightSum
		selected = candidates[0]
		selectedMetrics = firstMetrics
	}

	b.position += 1.0
	selectedMetrics.Sent++
	return selected, nil
}

// Report is feedback from completing a send to node. A non-busy report is a
// no-op. A busy report lowers node's weight by 0.01; once that would drop
// it below the 1.0 floor, all tracked weights
// are rescaled upward instead (increaseWeights) and node's weight is reset
// to the floor.
func (b *Balancer) Report(node Recipient, busy bool) error {
	if !busy {
		return nil
	}
	idx, err := ParseIndex(b.cluster, node.Name())
	if err != nil {
		return err
	}
	nm := b.metricsFor(idx)

	want := nm.Weight - 0.01
	if want >= 1.0 {
		nm.Weight = want
	} else {
		b.increaseWeights()
		nm.Weight = 1.0
	}
	nm.Busy++
	return nil
}

func (b *Balancer) increaseWeights() {
	for _, nm := range b.weights {
		if nm == nil {
			continue
		}
		nm.Weight = math.Max(1.0, nm.Weight*weightRescale)
	}
}

// metricsFor returns the metrics slot for idx, growing the sparse backing
// slice and lazily initializing the slot (weight 1.0) as needed.
func (b *Balancer) metricsFor(idx int) *NodeMetrics {
	if idx >= len(b.weights) {
		grown := make([]*NodeMetrics, idx+1)
		copy(grown, b.weights)
		b.weights = grown
	}
	if b.weights[idx] == nil {
		b.weights[idx] = &NodeMetrics{Weight: 1.0}
	}
	return b.weights[idx]
}

// ParseIndex extracts the integer segment following the cluster prefix from
// a name shaped "{cluster}/x/[y.]number/z": the segment between the second
// "/" and the next "/", after its last ".". It fails with an argument error
// on any other shape.
func ParseIndex(cluster, name string) (int, error) {
	malformed := func() (int, error) {
		return 0, status.Error(codes.InvalidArgument, fmt.Sprintf(
			"expected recipient name of the form '%s/x/[y.]number/z', got %q", cluster, name))
	}

	// Strip "{cluster}/", then the session segment ("x/", any text up to the
	// next "/"), leaving "[y.]number/z".
	rest, ok := strings.CutPrefix(name, cluster+"/")
	if !ok {
		return malformed()
	}
	afterSession := rest
	if slash := strings.Index(rest, "/"); slash >= 0 {
		afterSession = rest[slash+1:]
	} else {
		return malformed()
	}
	slash := strings.Index(afterSession, "/")
	if slash < 0 {
		return malformed()
	}
	segment := afterSession[:slash]
	if dot := strings.LastIndex(segment, "."); dot >= 0 {
		segment = segment[dot+1:]
	}

	idx, err := strconv.Atoi(segment)
	if err != nil || idx < 0 {
		return malformed()
	}
	return idx, nil
}
