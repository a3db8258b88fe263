// Package models holds the value types shared by the convergence, balancer
// and prepare cores. None of these types cross a wire in this repository;
// they are the shapes external collaborators (node repository, orchestrator,
// node admin, group preparer) are declared to exchange.
package models

import (
	"strconv"
	"time"
)

// NodeState is the lifecycle state of a node or container as reported by
// the node repository.
type NodeState string

const (
	StateActive      NodeState = "active"
	StateInactive    NodeState = "inactive"
	StateReserved    NodeState = "reserved"
	StateProvisioned NodeState = "provisioned"
	StateFailed      NodeState = "failed"
	StateParked      NodeState = "parked"
	StateDirty       NodeState = "dirty"
	StateReady       NodeState = "ready"
)

// ContainerSpec is the opaque per-container value the node repository hands
// to the convergence loop, which forwards it to the node admin driver
// unmodified.
type ContainerSpec struct {
	Hostname  string
	NodeState NodeState
}

// Group is a string-encoded non-negative integer identifying a cluster
// shard. Generated group layouts are contiguous from "0".
type Group string

func (g Group) Int() (int, error) {
	return strconv.Atoi(string(g))
}

// ClusterSpec identifies a cluster (and, once assigned, one of its groups).
type ClusterSpec struct {
	ID    string
	Type  string
	Group *Group
}

// SameCluster reports whether c and other name the same cluster, ignoring
// group assignment.
func (c ClusterSpec) SameCluster(other ClusterSpec) bool {
	return c.ID == other.ID && c.Type == other.Type
}

// SameGroup reports whether c and other share both cluster and group. A nil
// Group on either side never matches.
func (c ClusterSpec) SameGroup(other ClusterSpec) bool {
	if !c.SameCluster(other) || c.Group == nil || other.Group == nil {
		return false
	}
	return *c.Group == *other.Group
}

// ClusterMembership is a node's place within a cluster: which cluster
// (including its group, once assigned) and its per-cluster ordinal.
type ClusterMembership struct {
	Cluster ClusterSpec
	Index   int
}

// Allocation records why and how a node is assigned to an application.
type Allocation struct {
	ApplicationID string
	Membership    ClusterMembership
	Removable     bool
	RetiredAt     *time.Time
}

// Node is a machine (or slot) known to the node repository, optionally
// allocated to an application's cluster.
type Node struct {
	Hostname   string
	Flavor     string
	State      NodeState
	Allocation *Allocation
}

// SameNode reports whether two nodes refer to the same physical node,
// independent of any allocation change. Hostname is the node repository's
// stable identity for a node.
func SameNode(a, b Node) bool {
	return a.Hostname == b.Hostname
}
