// Package store wraps the time-series table store (metrics, nodes,
// conflict audit, aggregate tables) behind a pgxpool connection pool.
package store

import "time"

// Metric is a single network-health sample from a probe.
type Metric struct {
	NodeID      string
	Country     string
	Region      string
	LatencyMS   float64
	UptimePct   float64
	PacketLoss  float64
	Timestamp   time.Time
	Metadata    string // raw JSON, opaque to the store
	SourceRegion string
}

// NodeStatus is the lifecycle state of a Node.
type NodeStatus string

const (
	NodeRegistered NodeStatus = "registered"
	NodeReporting  NodeStatus = "reporting"
	NodeInactive   NodeStatus = "inactive"
	NodeDeleted    NodeStatus = "deleted"
)

// Node is the metadata shell for a probe.
type Node struct {
	NodeID   string
	Status   NodeStatus
	Country  string
	Region   string
	Lat      float64
	Lng      float64
	LastSeen time.Time
}

// ConflictRecord is written when a (time, node_id) tuple collides with the
// metrics table's unique constraint — the second arrival, not discarded.
type ConflictRecord struct {
	Time         time.Time
	NodeID       string
	Payload      string
	SourceRegion string
}
