package models

// GroupProvider identifies which family a rotation group draws from.
type GroupProvider string

const (
	GroupColab  GroupProvider = "colab"
	GroupKaggle GroupProvider = "kaggle"
	GroupMixed  GroupProvider = "mixed"
)

// Group is a set of workers started together at a fixed offset within the
// 24-hour rotation cycle.
type Group struct {
	GroupID          string        `json:"group_id"`
	WorkerIDs        []int64       `json:"worker_ids"`
	Provider         GroupProvider `json:"provider"`
	DurationHours    float64       `json:"duration_hours"`
	StartOffsetHours float64       `json:"start_offset_hours"`
}

// Coverage summarizes how many workers the schedule keeps online across the
// 24-hour cycle, computed from group overlaps.
type Coverage struct {
	MinOnline     int     `json:"min_online"`
	MaxOnline     int     `json:"max_online"`
	AverageOnline float64 `json:"average_online"`
}

// Schedule is the rotation plan produced for the current inventory. It is
// in-memory only and reconstructible from the worker inventory.
type Schedule struct {
	Strategy string   `json:"strategy"`
	Groups   []Group  `json:"groups"`
	Coverage Coverage `json:"estimated_coverage"`
}

// WorkerCount returns the total number of workers across all groups.
func (s *Schedule) WorkerCount() int {
	n := 0
	for _, g := range s.Groups {
		n += len(g.WorkerIDs)
	}
	return n
}
