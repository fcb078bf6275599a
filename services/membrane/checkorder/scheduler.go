// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package checkorder learns, per call context, the order in which the
// pointer validation stages should run so that likely rejections are found
// by cheap stages first.
//
// A context is (family, aligned, recentPage). Each context keeps per-stage
// reached and rejected counters and a packed ordering that readers load
// with one atomic operation. Every RecomputeEvery outcomes the ordering is
// rebuilt from the Weitzman index, rejection probability divided by stage
// cost. Null and Alignment are pinned to positions 0 and 1.
//
// # Thread Safety
//
// Ordering and NoteOutcome are lock-free on the common path. Recomputation
// is guarded by a per-context TryLock; a contended recompute is skipped and
// retried on the next cadence tick.
package checkorder

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/membrane/pkg/logging"
	dt "github.com/AleutianAI/membrane/services/membrane/datatypes"
)

const (
	// RecomputeEvery is the number of outcomes between ordering rebuilds.
	RecomputeEvery = 128

	// decayThreshold halves a context's counters once any reached count
	// exceeds it, so old behaviour fades.
	decayThreshold = 4096

	// dominanceMinRejections is the minimum rejection total before a stage
	// can be declared dominant.
	dominanceMinRejections = 8

	stageBits = 3
	stageMask = 1<<stageBits - 1
)

// NumContexts is the number of distinct scheduling contexts.
const NumContexts = dt.FamilyCount * 4

type ctxState struct {
	packed   atomic.Uint32
	outcomes atomic.Uint32
	reached  [dt.StageCount]atomic.Uint32
	rejected [dt.StageCount]atomic.Uint32
	mu       sync.Mutex
}

// Scheduler holds the learned orderings for every context.
type Scheduler struct {
	contexts [NumContexts]ctxState
	changes  atomic.Uint64
	logger   *logging.Throttled
}

// New creates a scheduler with every context at DefaultOrdering.
func New(logger *slog.Logger) *Scheduler {
	s := &Scheduler{
		logger: logging.NewThrottled(logging.OrNop(logger).With("component", "checkorder"), time.Second, 4),
	}
	def := pack(dt.DefaultOrdering)
	for i := range s.contexts {
		s.contexts[i].packed.Store(def)
	}
	return s
}

func contextIndex(family dt.ApiFamily, aligned, recentPage bool) int {
	if !family.Valid() {
		family = dt.FamilyPointerValidation
	}
	i := int(family) * 4
	if aligned {
		i += 2
	}
	if recentPage {
		i++
	}
	return i
}

func pack(o [dt.StageCount]dt.Stage) uint32 {
	var p uint32
	for i, s := range o {
		p |= uint32(s) << (i * stageBits)
	}
	return p
}

func unpack(p uint32) [dt.StageCount]dt.Stage {
	var o [dt.StageCount]dt.Stage
	for i := range o {
		o[i] = dt.Stage(p >> (i * stageBits) & stageMask)
	}
	return o
}

// Ordering returns the current stage ordering for a context.
//
// Thread Safety: Lock-free, one atomic load.
func (s *Scheduler) Ordering(family dt.ApiFamily, aligned, recentPage bool) [dt.StageCount]dt.Stage {
	return unpack(s.contexts[contextIndex(family, aligned, recentPage)].packed.Load())
}

// NoteOutcome records how a pipeline run over ordering ended.
//
// Description:
//
//	Every stage up to and including exitIndex counts as reached. When
//	exited is true the stage at exitIndex rejected the pointer; otherwise
//	the pipeline completed and exitIndex is ignored past the last stage.
//
// Inputs:
//
//	ordering - The ordering that was executed, as returned by Ordering.
//	exitIndex - Position in ordering at which the pipeline stopped.
//	exited - True if the stage at exitIndex rejected.
func (s *Scheduler) NoteOutcome(family dt.ApiFamily, aligned, recentPage bool, ordering [dt.StageCount]dt.Stage, exitIndex int, exited bool) {
	c := &s.contexts[contextIndex(family, aligned, recentPage)]
	last := dt.StageCount - 1
	if exitIndex < 0 {
		exitIndex = 0
	}
	if exitIndex < last {
		last = exitIndex
	}
	for i := 0; i <= last; i++ {
		if st := ordering[i]; int(st) < dt.StageCount {
			c.reached[st].Add(1)
		}
	}
	if exited {
		if st := ordering[last]; int(st) < dt.StageCount {
			c.rejected[st].Add(1)
		}
	}
	if c.outcomes.Add(1)%RecomputeEvery == 0 {
		s.recompute(family, c)
	}
}

func (s *Scheduler) recompute(family dt.ApiFamily, c *ctxState) {
	if !c.mu.TryLock() {
		return
	}
	defer c.mu.Unlock()

	var reached, rejected [dt.StageCount]uint32
	decay := false
	for i := range reached {
		reached[i] = c.reached[i].Load()
		rejected[i] = c.rejected[i].Load()
		if reached[i] > decayThreshold {
			decay = true
		}
	}
	if decay {
		// Concurrent increments between the load and the store are lost;
		// the counters are statistics and tolerate that.
		for i := range reached {
			reached[i] /= 2
			rejected[i] /= 2
			c.reached[i].Store(reached[i])
			c.rejected[i].Store(rejected[i])
		}
	}

	next := computeOrdering(reached, rejected)
	prev := c.packed.Swap(pack(next))
	if prev != pack(next) {
		s.changes.Add(1)
		s.logger.Debug("stage ordering changed", "family", family.String(), "ordering", stageNames(next))
	}
}

// computeOrdering ranks the reorderable stages by Weitzman index.
func computeOrdering(reached, rejected [dt.StageCount]uint32) [dt.StageCount]dt.Stage {
	type scored struct {
		stage dt.Stage
		index float64
	}
	var total uint64
	for _, r := range rejected {
		total += uint64(r)
	}

	free := make([]scored, 0, dt.StageCount-dt.PinnedStages)
	for _, st := range dt.DefaultOrdering[dt.PinnedStages:] {
		p := (float64(rejected[st]) + 0.5) / (float64(reached[st]) + 2)
		free = append(free, scored{stage: st, index: p / float64(st.CostNs())})
	}
	sort.SliceStable(free, func(i, j int) bool { return free[i].index > free[j].index })

	// A dominant stage goes first among the reorderable stages.
	if total >= dominanceMinRejections {
		for i, sc := range free {
			if uint64(rejected[sc.stage])*2 >= total {
				copy(free[1:i+1], free[:i])
				free[0] = sc
				break
			}
		}
	}

	var out [dt.StageCount]dt.Stage
	copy(out[:dt.PinnedStages], dt.DefaultOrdering[:dt.PinnedStages])
	for i, sc := range free {
		out[dt.PinnedStages+i] = sc.stage
	}
	return out
}

// EarlyExitPPM reports, in parts per million, how many of the family's
// rejections were found by the stages the Fast path runs (Null, Alignment,
// Bounds). ok is false until the family has seen enough rejections.
func (s *Scheduler) EarlyExitPPM(family dt.ApiFamily) (ppm uint32, ok bool) {
	var early, total uint64
	base := contextIndex(family, false, false)
	for i := base; i < base+4; i++ {
		c := &s.contexts[i]
		for st := range c.rejected {
			n := uint64(c.rejected[st].Load())
			total += n
			switch dt.Stage(st) {
			case dt.StageNull, dt.StageAlignment, dt.StageBounds:
				early += n
			}
		}
	}
	if total < dominanceMinRejections {
		return 0, false
	}
	return uint32(early * 1_000_000 / total), true
}

// Changes returns the number of ordering changes since construction.
func (s *Scheduler) Changes() uint64 {
	return s.changes.Load()
}

// =============================================================================
// Snapshot
// =============================================================================

// ContextSnapshot is the telemetry view of one context.
type ContextSnapshot struct {
	Family     string                `json:"family"`
	Aligned    bool                  `json:"aligned"`
	RecentPage bool                  `json:"recent_page"`
	Ordering   []string              `json:"ordering"`
	Outcomes   uint32                `json:"outcomes"`
	Reached    [dt.StageCount]uint32 `json:"reached"`
	Rejected   [dt.StageCount]uint32 `json:"rejected"`
}

// Snapshot is the telemetry view of the scheduler.
type Snapshot struct {
	Changes  uint64            `json:"changes"`
	Contexts []ContextSnapshot `json:"contexts"`
}

// Snapshot returns every context that has seen at least one outcome.
func (s *Scheduler) Snapshot() Snapshot {
	snap := Snapshot{Changes: s.changes.Load()}
	for i := range s.contexts {
		c := &s.contexts[i]
		n := c.outcomes.Load()
		if n == 0 {
			continue
		}
		cs := ContextSnapshot{
			Family:     dt.ApiFamily(i / 4).String(),
			Aligned:    i&2 != 0,
			RecentPage: i&1 != 0,
			Ordering:   stageNames(unpack(c.packed.Load())),
			Outcomes:   n,
		}
		for st := range cs.Reached {
			cs.Reached[st] = c.reached[st].Load()
			cs.Rejected[st] = c.rejected[st].Load()
		}
		snap.Contexts = append(snap.Contexts, cs)
	}
	return snap
}

func stageNames(o [dt.StageCount]dt.Stage) []string {
	out := make([]string, len(o))
	for i, st := range o {
		out[i] = st.String()
	}
	return out
}
