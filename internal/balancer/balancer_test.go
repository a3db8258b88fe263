package balancer

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recipient string

func (r recipient) Name() string { return string(r) }

func candidates(cluster string, indices ...int) []Recipient {
	out := make([]Recipient, len(indices))
	for i, idx := range indices {
		out[i] = recipient(fmt.Sprintf("%s/x/%d/default", cluster, idx))
	}
	return out
}

func TestParseIndex(t *testing.T) {
	t.Run("plain number segment", func(t *testing.T) {
		idx, err := ParseIndex("cluster", "cluster/x/7/z")
		require.NoError(t, err)
		assert.Equal(t, 7, idx)
	})

	t.Run("dotted segment", func(t *testing.T) {
		idx, err := ParseIndex("cluster", "cluster/x/y.7/z")
		require.NoError(t, err)
		assert.Equal(t, 7, idx)
	})

	t.Run("wrong cluster prefix fails", func(t *testing.T) {
		_, err := ParseIndex("cluster", "other/x/7/z")
		require.Error(t, err)
	})

	t.Run("missing session segment fails", func(t *testing.T) {
		_, err := ParseIndex("cluster", "cluster/7")
		require.Error(t, err)
	})

	t.Run("non-numeric index fails", func(t *testing.T) {
		_, err := ParseIndex("cluster", "cluster/x/abc/z")
		require.Error(t, err)
	})
}

func TestSelectEvenWeightsConserveTotalSends(t *testing.T) {
	b := New("cluster")
	cands := candidates("cluster", 0, 1, 2)

	counts := map[string]int{}
	for i := 0; i < 30; i++ {
		r, err := b.Select(cands)
		require.NoError(t, err)
		require.NotNil(t, r)
		counts[r.Name()]++
	}

	for _, c := range cands {
		assert.Equal(t, 10, counts[c.Name()], "equal weights should split sends evenly across a full cycle")
	}
}

func TestSelectWrapsWithoutModulo(t *testing.T) {
	b := New("cluster")
	cands := candidates("cluster", 0, 1, 2)

	// Drive position to 3.0 over three candidates, then select from a single
	// candidate (total weight 1.0) to force a wrap with an overshoot of 2.0.
	// Without modulo the remainder carries: 3 - 1 + 1 = 3. Taking it modulo
	// the total would leave 0 + 1 = 1.
	for i := 0; i < 3; i++ {
		_, err := b.Select(cands)
		require.NoError(t, err)
	}
	_, err := b.Select(candidates("cluster", 0))
	require.NoError(t, err)
	assert.InDelta(t, 3.0, b.position, 1e-9)
}

func TestReportPenalizesBusyNodeAboveFloor(t *testing.T) {
	b := New("cluster")
	node := recipient("cluster/x/0/default")

	// Give the node headroom above the 1.0 floor so this report exercises
	// the plain decrement branch rather than triggering a rescale.
	b.metricsFor(0).Weight = 1.5

	require.NoError(t, b.Report(node, true))
	nm := b.metricsFor(0)
	assert.InDelta(t, 1.49, nm.Weight, 1e-9)
	assert.EqualValues(t, 1, nm.Busy)
}

func TestReportAtFloorRescalesImmediately(t *testing.T) {
	b := New("cluster")
	node := recipient("cluster/x/0/default")

	// A fresh node starts at the 1.0 floor: -0.01 undercuts it, so even
	// this first report must rescale and re-floor rather than going to 0.99.
	require.NoError(t, b.Report(node, true))
	assert.Equal(t, 1.0, b.metricsFor(0).Weight)
}

func TestReportNonBusyIsNoop(t *testing.T) {
	b := New("cluster")
	node := recipient("cluster/x/0/default")

	require.NoError(t, b.Report(node, false))
	nm := b.metricsFor(0)
	assert.Equal(t, 1.0, nm.Weight)
	assert.Zero(t, nm.Busy)
}

func TestReportRescalesAllWeightsAtFloor(t *testing.T) {
	b := New("cluster")
	busy := recipient("cluster/x/0/default")
	other := recipient("cluster/x/1/default")

	// Select stops at the first candidate, so only node 0 is tracked here;
	// node 1 starts being tracked when otherBefore reads it below, before the
	// rescales whose effect on it is checked.
	_, err := b.Select(candidates("cluster", 0, 1))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		require.NoError(t, b.Report(busy, true))
	}
	otherBefore := b.metricsFor(1).Weight

	// Drive the penalized node's weight below the 1.0 floor to trigger a
	// rescale of every tracked weight.
	for i := 0; i < 100; i++ {
		require.NoError(t, b.Report(busy, true))
	}

	assert.Equal(t, 1.0, b.metricsFor(0).Weight)
	assert.Greater(t, b.metricsFor(1).Weight, otherBefore)
	_ = other
}

func TestSelectEmptyCandidatesReturnsNil(t *testing.T) {
	b := New("cluster")
	r, err := b.Select(nil)
	require.NoError(t, err)
	assert.Nil(t, r)
}
