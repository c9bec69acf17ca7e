package cron

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/nomis52/goactivate/config"
	"github.com/nomis52/goactivate/lifecycle"
)

// Schedule is a validated scheduled operation.
type Schedule struct {
	Topology  string
	Operation lifecycle.Operation
	Spec      string
}

func (s Schedule) String() string {
	return fmt.Sprintf("%s %s at '%s'", s.Operation, s.Topology, s.Spec)
}

// ParseSchedules validates the configured schedules against the known
// topologies.
//
// Returns an error if:
//   - Any topology is not in topologies
//   - Any operation is unknown
//   - Any cron expression is invalid
//   - The same operation is scheduled twice on the same expression
func ParseSchedules(cfgs []config.ScheduleConfig, topologies map[string]bool) ([]Schedule, error) {
	schedules := make([]Schedule, 0, len(cfgs))
	seen := make(map[Schedule]bool, len(cfgs))

	for i, c := range cfgs {
		spec := strings.TrimSpace(c.Schedule)
		if spec == "" {
			return nil, fmt.Errorf("schedule %d: missing cron schedule", i)
		}
		if _, err := specParser.Parse(spec); err != nil {
			return nil, fmt.Errorf("schedule %d: %w: %v", i, ErrInvalidCronSpec, err)
		}

		op, err := lifecycle.ParseOperation(c.Operation)
		if err != nil {
			return nil, fmt.Errorf("schedule %d: %w", i, err)
		}

		if !topologies[c.Topology] {
			return nil, fmt.Errorf("schedule %d: unknown topology '%s' (available: %s)",
				i, c.Topology, formatAvailable(topologies))
		}

		s := Schedule{Topology: c.Topology, Operation: op, Spec: spec}
		if seen[s] {
			return nil, fmt.Errorf("schedule %d: duplicate schedule %s", i, s)
		}
		seen[s] = true
		schedules = append(schedules, s)
	}
	return schedules, nil
}

func formatAvailable(names map[string]bool) string {
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(slices.Sorted(maps.Keys(names)), ", ")
}
