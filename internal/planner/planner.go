// Package planner turns the current worker inventory into a 24-hour
// rotation schedule. The strategy depends on how many family-C workers are
// available; family K fills the gaps in shorter slots because of its weekly
// quota. Group membership is a contiguous slice of the id-sorted inventory
// so replanning over an unchanged fleet yields the same schedule.
package planner

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/notebook-fleet/notebook-fleet/internal/quota"
	"github.com/notebook-fleet/notebook-fleet/pkg/models"
)

// Strategy names, keyed by family-C inventory size.
const (
	StrategyThreeGroup = "three-group"
	StrategyTwoGroup   = "two-group"
	StrategyMixed      = "mixed"
	StrategyKaggleOnly = "kaggle-only"
	StrategyEmpty      = "empty"
)

// colabSlotHours is one full safe session (8.4h).
const colabSlotHours = float64(quota.SafeSessionCapSeconds) / 3600

// kaggleSlotHours keeps one family-K slot small enough that a worker can
// serve several slots a week without approaching the weekly cap.
const kaggleSlotHours = 4.0

// Planner builds rotation schedules
type Planner struct {
	logger *slog.Logger
}

// Option configures the planner
type Option func(*Planner)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(p *Planner) {
		p.logger = logger
	}
}

// New creates a new planner
func New(opts ...Option) *Planner {
	p := &Planner{logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan produces the schedule for the given inventory.
func (p *Planner) Plan(workers []*models.Worker) *models.Schedule {
	colabIDs := sortedIDs(workers, models.ProviderColab)
	kaggleIDs := sortedIDs(workers, models.ProviderKaggle)

	var schedule *models.Schedule
	switch {
	case len(colabIDs) >= 6:
		schedule = p.threeGroup(colabIDs, kaggleIDs)
	case len(colabIDs) >= 3:
		schedule = p.twoGroup(colabIDs, kaggleIDs)
	case len(colabIDs) >= 1:
		schedule = p.mixed(colabIDs, kaggleIDs)
	case len(kaggleIDs) >= 1:
		schedule = p.kaggleOnly(kaggleIDs)
	default:
		schedule = &models.Schedule{Strategy: StrategyEmpty}
	}

	schedule.Coverage = estimateCoverage(schedule.Groups)
	p.logger.Info("rotation planned",
		slog.String("strategy", schedule.Strategy),
		slog.Int("colab_workers", len(colabIDs)),
		slog.Int("kaggle_workers", len(kaggleIDs)),
		slog.Int("groups", len(schedule.Groups)),
		slog.Int("min_online", schedule.Coverage.MinOnline))
	return schedule
}

// threeGroup staggers three C groups four hours apart; their 8.4h sessions
// overlap so at least one C group is always up. K covers morning, afternoon
// and evening peaks.
func (p *Planner) threeGroup(colabIDs, kaggleIDs []int64) *models.Schedule {
	s := &models.Schedule{Strategy: StrategyThreeGroup}
	s.Groups = append(s.Groups,
		colabGroups(colabIDs, []float64{0, 4, 8}, colabSlotHours)...)
	s.Groups = append(s.Groups,
		kaggleGroups(kaggleIDs, []float64{2, 10, 18}, kaggleSlotHours)...)
	return s
}

// twoGroup runs two C groups six hours apart with K plugging the midday and
// overnight gaps.
func (p *Planner) twoGroup(colabIDs, kaggleIDs []int64) *models.Schedule {
	s := &models.Schedule{Strategy: StrategyTwoGroup}
	s.Groups = append(s.Groups,
		colabGroups(colabIDs, []float64{0, 6}, colabSlotHours)...)
	s.Groups = append(s.Groups,
		kaggleGroups(kaggleIDs, []float64{3, 15}, kaggleSlotHours)...)
	return s
}

// mixed keeps the whole C inventory as a single backbone and splits K into
// up to three short slots around it.
func (p *Planner) mixed(colabIDs, kaggleIDs []int64) *models.Schedule {
	s := &models.Schedule{Strategy: StrategyMixed}
	s.Groups = append(s.Groups, models.Group{
		GroupID:          "colab-1",
		WorkerIDs:        colabIDs,
		Provider:         models.GroupColab,
		DurationHours:    colabSlotHours,
		StartOffsetHours: 0,
	})
	s.Groups = append(s.Groups,
		kaggleGroups(kaggleIDs, []float64{2, 10, 18}, kaggleSlotHours)...)
	return s
}

// kaggleOnly spreads K over up to six four-hour slots around the clock.
func (p *Planner) kaggleOnly(kaggleIDs []int64) *models.Schedule {
	s := &models.Schedule{Strategy: StrategyKaggleOnly}
	s.Groups = kaggleGroups(kaggleIDs, []float64{0, 4, 8, 12, 16, 20}, kaggleSlotHours)
	return s
}

func colabGroups(ids []int64, offsets []float64, duration float64) []models.Group {
	return buildGroups("colab", models.GroupColab, ids, offsets, duration)
}

func kaggleGroups(ids []int64, offsets []float64, duration float64) []models.Group {
	return buildGroups("kaggle", models.GroupKaggle, ids, offsets, duration)
}

func buildGroups(prefix string, provider models.GroupProvider, ids []int64, offsets []float64, duration float64) []models.Group {
	slices := splitContiguous(ids, len(offsets))
	var groups []models.Group
	for i, slice := range slices {
		if len(slice) == 0 {
			continue
		}
		groups = append(groups, models.Group{
			GroupID:          fmt.Sprintf("%s-%d", prefix, i+1),
			WorkerIDs:        slice,
			Provider:         provider,
			DurationHours:    duration,
			StartOffsetHours: offsets[i],
		})
	}
	return groups
}

// splitContiguous divides ids into n contiguous slices whose sizes differ
// by at most one, earlier slices taking the remainder.
func splitContiguous(ids []int64, n int) [][]int64 {
	slices := make([][]int64, n)
	base := len(ids) / n
	rem := len(ids) % n
	pos := 0
	for i := 0; i < n; i++ {
		size := base
		if i < rem {
			size++
		}
		slices[i] = ids[pos : pos+size]
		pos += size
	}
	return slices
}

func sortedIDs(workers []*models.Worker, provider models.Provider) []int64 {
	var ids []int64
	for _, w := range workers {
		if w.Provider == provider {
			ids = append(ids, w.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// estimateCoverage samples the 24-hour cycle minute by minute and counts
// workers whose group is live at that minute.
func estimateCoverage(groups []models.Group) models.Coverage {
	if len(groups) == 0 {
		return models.Coverage{}
	}

	const minutes = 24 * 60
	minOnline, maxOnline, total := -1, 0, 0
	for m := 0; m < minutes; m++ {
		hour := float64(m) / 60
		online := 0
		for _, g := range groups {
			since := hour - g.StartOffsetHours
			if since < 0 {
				since += 24
			}
			if since < g.DurationHours {
				online += len(g.WorkerIDs)
			}
		}
		if minOnline == -1 || online < minOnline {
			minOnline = online
		}
		if online > maxOnline {
			maxOnline = online
		}
		total += online
	}

	return models.Coverage{
		MinOnline:     minOnline,
		MaxOnline:     maxOnline,
		AverageOnline: float64(total) / minutes,
	}
}
