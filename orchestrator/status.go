package orchestrator

import (
	"time"

	"github.com/nomis52/goactivate/lifecycle"
)

// AggregateStatus tracks one operation against one topology.
//
// Percent only moves forward. It reaches 100 once the success sentinel ran
// and the instance ended at the success terminus.
type AggregateStatus struct {
	// ID identifies the operation and is the operation id carried by every
	// task of its process.
	ID         string              `json:"id"`
	TopologyID string              `json:"topology_id"`
	Operation  lifecycle.Operation `json:"operation"`
	// InstanceID is empty until the process instance was started.
	InstanceID string `json:"instance_id,omitempty"`
	State      State  `json:"state"`
	Percent    int    `json:"percent"`
	Title      string `json:"title"`
	Subtitle   string `json:"subtitle,omitempty"`
	// Message holds the failure summary.
	Message   string     `json:"message,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Clone returns a deep copy.
func (s AggregateStatus) Clone() AggregateStatus {
	if s.EndedAt != nil {
		ended := *s.EndedAt
		s.EndedAt = &ended
	}
	return s
}

// Duration is the time the operation ran, or has been running at now.
func (s AggregateStatus) Duration(now time.Time) time.Duration {
	if s.EndedAt != nil {
		return s.EndedAt.Sub(s.StartedAt)
	}
	return now.Sub(s.StartedAt)
}
