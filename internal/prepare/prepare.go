// Package prepare computes the node set an application's cluster should run
// on for one allocation request, delegating the actual placement of a single
// group to an external GroupPreparer and reconciling the result against
// nodes left over from a previous, wider allocation (surplus groups).
//
// Grounded on node-repository's Preparer.java: same reserve-group-then-fold-
// surplus shape, translated into Go's explicit-return-value style in place
// of Java's accumulating local lists. The per-group retry policy and
// correlation id are grounded on control-plane/internal/reconciler's
// reconcile(), which wraps a like single-group placement attempt in
// retry.Do.
package prepare

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/hashicorp/go-uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Sh00ty/hostfleet/internal/models"
)

// GroupPreparer places one group of a cluster, returning the nodes that
// should run it. surplus and highestIndex are passed by reference: Prepare
// may remove any nodes it draws from *surplus (rather than provisioning
// them fresh), and must advance *highestIndex past any index it assigns, so
// that indices never collide across groups in the same call. highestIndex
// holds the highest index currently in use (-1 if none), so the first fresh
// index a delegate assigns is *highestIndex + 1.
type GroupPreparer interface {
	Prepare(ctx context.Context, appID string, group models.ClusterSpec, count int, surplus *[]models.Node, highestIndex *int) ([]models.Node, error)
}

// Preparer computes the desired node set for an application's cluster.
type Preparer struct {
	groupPreparer GroupPreparer
	log           zerolog.Logger
	now           func() time.Time
}

// New builds a Preparer. now defaults to time.Now if nil, overridable for
// deterministic retirement-timestamp tests.
func New(groupPreparer GroupPreparer, logger zerolog.Logger, now func() time.Time) *Preparer {
	if now == nil {
		now = time.Now
	}
	return &Preparer{
		groupPreparer: groupPreparer,
		log:           logger.With().Str("component", "prepare").Logger(),
		now:           now,
	}
}

// Prepare returns the nodes application's cluster should run across
// wantedGroups groups of count/wantedGroups nodes each, given the full
// current node set belonging to that application (nodes). If cluster pins a
// group, that group is the one prepared; otherwise groups "0" through
// wantedGroups-1 are. When no group is pinned, active nodes left allocated
// to groups at or beyond wantedGroups are folded into a remaining group,
// retired, or, if removable and not taken up by a group, dropped.
//
// It fails with an argument error if cluster already names a single group
// and wantedGroups calls for more than one, or if count does not divide
// evenly across wantedGroups.
func (p *Preparer) Prepare(ctx context.Context, appID string, cluster models.ClusterSpec, nodes []models.Node, count, wantedGroups int) ([]models.Node, error) {
	if cluster.Group != nil && wantedGroups > 1 {
		return nil, status.Error(codes.InvalidArgument,
			"cluster already specifies a single group; cannot prepare multiple groups for it")
	}
	if wantedGroups > 0 && count%wantedGroups != 0 {
		return nil, status.Error(codes.InvalidArgument,
			fmt.Sprintf("node count %d does not divide evenly across %d wanted groups", count, wantedGroups))
	}

	var surplus []models.Node
	if cluster.Group == nil {
		surplus = findNodesInRemovableGroups(nodes, cluster, wantedGroups)
	}
	highestIndex := findHighestIndex(nodes, cluster)
	perGroup := count
	if wantedGroups > 0 {
		perGroup = count / wantedGroups
	}

	var accepted []models.Node
	for g := 0; g < wantedGroups; g++ {
		group := models.Group(fmt.Sprintf("%d", g))
		if cluster.Group != nil {
			group = *cluster.Group
		}
		groupCluster := cluster
		groupCluster.Group = &group

		groupAccepted, err := p.prepareGroupWithRetry(ctx, appID, groupCluster, perGroup, &surplus, &highestIndex)
		if err != nil {
			return nil, fmt.Errorf("preparing group %s: %w", group, err)
		}

		accepted = replace(accepted, groupAccepted)
	}

	pinned := cluster.Group
	surplus = moveToActiveGroup(surplus, wantedGroups, pinned)
	retired := retire(surplus, p.now())

	accepted = append(accepted, retired...)
	return accepted, nil
}

// prepareGroupWithRetry delegates one group's placement, retrying the whole
// attempt on failure. Since surplus and highestIndex are shared, mutable
// state that the delegate advances as a side effect, a failed attempt's
// mutation is rolled back before the next attempt so retries never
// double-consume surplus or skip indices.
func (p *Preparer) prepareGroupWithRetry(ctx context.Context, appID string, group models.ClusterSpec, count int, surplus *[]models.Node, highestIndex *int) ([]models.Node, error) {
	requestID, err := uuid.GenerateUUID()
	if err != nil {
		requestID = "unknown"
	}
	logger := p.log.With().Str("request_id", requestID).Str("application", appID).Str("cluster", group.ID).Logger()

	var accepted []models.Node
	err = retry.Do(
		func() error {
			surplusSnapshot := append([]models.Node(nil), (*surplus)...)
			indexSnapshot := *highestIndex

			a, err := p.groupPreparer.Prepare(ctx, appID, group, count, surplus, highestIndex)
			if err != nil {
				*surplus = surplusSnapshot
				*highestIndex = indexSnapshot
				return err
			}
			accepted = a
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.DelayType(retry.BackOffDelay),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn().Err(err).Uint("attempt", n+1).Msg("group preparation attempt failed, retrying")
		}),
	)
	if err != nil {
		return nil, err
	}
	logger.Info().Int("accepted", len(accepted)).Msg("group prepared")
	return accepted, nil
}

// findNodesInRemovableGroups returns the active nodes of application's
// cluster whose current group index is at or beyond wantedGroups: they
// belonged to a group that no longer exists at the requested group count,
// and are available to fold into a surviving group or be retired. Nodes in
// any other state are excluded; they are not live surplus capacity.
func findNodesInRemovableGroups(nodes []models.Node, cluster models.ClusterSpec, wantedGroups int) []models.Node {
	var surplus []models.Node
	for _, n := range nodes {
		if n.State != models.StateActive || n.Allocation == nil {
			continue
		}
		membership := n.Allocation.Membership
		if !membership.Cluster.SameCluster(cluster) {
			continue
		}
		if membership.Cluster.Group == nil {
			continue
		}
		g, err := membership.Cluster.Group.Int()
		if err != nil || g < wantedGroups {
			continue
		}
		surplus = append(surplus, n)
	}
	return surplus
}

// findHighestIndex returns the highest per-cluster membership index among
// active or failed nodes belonging to cluster, or -1 if there are none.
// Failed nodes count so their index is never reused by a later allocation;
// nodes in any other state (ready, reserved, provisioned, ...) do not hold
// a live index and are excluded.
func findHighestIndex(nodes []models.Node, cluster models.ClusterSpec) int {
	highest := -1
	for _, n := range nodes {
		if n.State != models.StateActive && n.State != models.StateFailed {
			continue
		}
		if n.Allocation == nil {
			continue
		}
		if !n.Allocation.Membership.Cluster.SameCluster(cluster) {
			continue
		}
		if idx := n.Allocation.Membership.Index; idx > highest {
			highest = idx
		}
	}
	return highest
}

// moveToActiveGroup rehomes surplus nodes into a group that will continue
// to exist: the cluster's pinned group if it has one, otherwise group 0.
func moveToActiveGroup(surplus []models.Node, wantedGroups int, pinned *models.Group) []models.Node {
	target := models.Group("0")
	if pinned != nil {
		target = *pinned
	}
	moved := make([]models.Node, len(surplus))
	for i, n := range surplus {
		if n.Allocation != nil {
			n.Allocation.Membership.Cluster.Group = &target
		}
		moved[i] = n
	}
	return moved
}

// retire marks every non-removable node in surplus with a retirement
// timestamp (at) and returns them; removable nodes are dropped, since they
// carry no allocation worth preserving and can simply be deprovisioned.
func retire(surplus []models.Node, at time.Time) []models.Node {
	var retired []models.Node
	for _, n := range surplus {
		if n.Allocation == nil || n.Allocation.Removable {
			continue
		}
		t := at
		n.Allocation.RetiredAt = &t
		retired = append(retired, n)
	}
	return retired
}

// replace unions additions into set, with additions winning over any
// existing entry for the same physical node (models.SameNode).
func replace(set, additions []models.Node) []models.Node {
	result := make([]models.Node, 0, len(set)+len(additions))
	for _, existing := range set {
		shadowed := false
		for _, add := range additions {
			if models.SameNode(existing, add) {
				shadowed = true
				break
			}
		}
		if !shadowed {
			result = append(result, existing)
		}
	}
	return append(result, additions...)
}
