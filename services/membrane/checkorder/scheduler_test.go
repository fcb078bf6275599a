// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package checkorder

import (
	"testing"

	dt "github.com/AleutianAI/membrane/services/membrane/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func position(o [dt.StageCount]dt.Stage, st dt.Stage) int {
	for i, s := range o {
		if s == st {
			return i
		}
	}
	return -1
}

// rejectAt simulates a pipeline that rejects at stage st.
func rejectAt(s *Scheduler, family dt.ApiFamily, aligned, recent bool, st dt.Stage) {
	o := s.Ordering(family, aligned, recent)
	s.NoteOutcome(family, aligned, recent, o, position(o, st), true)
}

func pass(s *Scheduler, family dt.ApiFamily, aligned, recent bool) {
	o := s.Ordering(family, aligned, recent)
	s.NoteOutcome(family, aligned, recent, o, dt.StageCount-1, false)
}

func TestPackRoundTrip(t *testing.T) {
	o := [dt.StageCount]dt.Stage{
		dt.StageNull, dt.StageAlignment, dt.StageDeepScan, dt.StageCanary,
		dt.StageBounds, dt.StageQuarantine, dt.StageArena,
	}
	assert.Equal(t, o, unpack(pack(o)))
	assert.Equal(t, dt.DefaultOrdering, unpack(pack(dt.DefaultOrdering)))
}

func TestOrdering_DefaultForEveryContext(t *testing.T) {
	s := New(nil)
	for _, f := range dt.Families() {
		for _, aligned := range []bool{false, true} {
			for _, recent := range []bool{false, true} {
				assert.Equal(t, dt.DefaultOrdering, s.Ordering(f, aligned, recent))
			}
		}
	}
	assert.Equal(t, dt.DefaultOrdering, s.Ordering(dt.ApiFamily(200), false, false))
}

func TestOrdering_IsPermutationWithPinnedPrefix(t *testing.T) {
	s := New(nil)
	stages := []dt.Stage{dt.StageBounds, dt.StageArena, dt.StageQuarantine, dt.StageCanary, dt.StageDeepScan}
	for i := 0; i < 20*RecomputeEvery; i++ {
		rejectAt(s, dt.FamilyStringMemory, i%3 == 0, i%5 == 0, stages[(i*7)%len(stages)])
	}
	for _, aligned := range []bool{false, true} {
		for _, recent := range []bool{false, true} {
			o := s.Ordering(dt.FamilyStringMemory, aligned, recent)
			assert.Equal(t, dt.StageNull, o[0])
			assert.Equal(t, dt.StageAlignment, o[1])
			seen := map[dt.Stage]bool{}
			for _, st := range o {
				seen[st] = true
			}
			assert.Len(t, seen, dt.StageCount)
		}
	}
}

// TestLearning_MonotonicPromotion checks that a stage which keeps
// rejecting only ever moves earlier.
func TestLearning_MonotonicPromotion(t *testing.T) {
	s := New(nil)
	family := dt.FamilyAllocator
	prev := position(s.Ordering(family, true, false), dt.StageDeepScan)
	require.Equal(t, dt.StageCount-1, prev)

	for round := 0; round < 40; round++ {
		for i := 0; i < RecomputeEvery; i++ {
			if i%4 == 0 {
				pass(s, family, true, false)
			} else {
				rejectAt(s, family, true, false, dt.StageDeepScan)
			}
		}
		pos := position(s.Ordering(family, true, false), dt.StageDeepScan)
		assert.LessOrEqual(t, pos, prev, "round %d", round)
		prev = pos
	}
	assert.Equal(t, dt.PinnedStages, prev, "dominant stage should lead the reorderable stages")

	// Other contexts are unaffected.
	assert.Equal(t, dt.DefaultOrdering, s.Ordering(family, false, false))
	assert.Equal(t, dt.DefaultOrdering, s.Ordering(dt.FamilyStdio, true, false))
	assert.Positive(t, s.Changes())
}

func TestComputeOrdering_CheapStageWinsTies(t *testing.T) {
	var reached, rejected [dt.StageCount]uint32
	for i := range reached {
		reached[i] = 100
		rejected[i] = 10
	}
	// Equal rejection rates: cost decides, cheapest first.
	o := computeOrdering(reached, rejected)
	assert.Equal(t, dt.StageBounds, o[2])
	assert.Equal(t, dt.StageDeepScan, o[6])
}

func TestComputeOrdering_DominantStage(t *testing.T) {
	var reached, rejected [dt.StageCount]uint32
	for i := range reached {
		reached[i] = 1000
	}
	rejected[dt.StageDeepScan] = 60
	rejected[dt.StageBounds] = 40
	o := computeOrdering(reached, rejected)
	assert.Equal(t, dt.StageDeepScan, o[2])

	// Below the minimum total nothing is dominant.
	rejected = [dt.StageCount]uint32{}
	rejected[dt.StageDeepScan] = 3
	o = computeOrdering(reached, rejected)
	assert.NotEqual(t, dt.StageDeepScan, o[2])
}

func TestDecay(t *testing.T) {
	s := New(nil)
	for i := 0; i < 40*RecomputeEvery; i++ {
		rejectAt(s, dt.FamilyPoll, false, false, dt.StageCanary)
	}
	c := &s.contexts[contextIndex(dt.FamilyPoll, false, false)]
	for st := range c.reached {
		assert.LessOrEqual(t, c.reached[st].Load(), uint32(decayThreshold+RecomputeEvery))
	}
}

func TestEarlyExitPPM(t *testing.T) {
	s := New(nil)
	_, ok := s.EarlyExitPPM(dt.FamilySocket)
	assert.False(t, ok)

	for i := 0; i < 30; i++ {
		rejectAt(s, dt.FamilySocket, false, false, dt.StageNull)
	}
	for i := 0; i < 10; i++ {
		rejectAt(s, dt.FamilySocket, true, true, dt.StageArena)
	}
	ppm, ok := s.EarlyExitPPM(dt.FamilySocket)
	require.True(t, ok)
	assert.Equal(t, uint32(750_000), ppm)
}

func TestSnapshot(t *testing.T) {
	s := New(nil)
	pass(s, dt.FamilyTime, true, true)
	rejectAt(s, dt.FamilyTime, true, true, dt.StageBounds)

	snap := s.Snapshot()
	require.Len(t, snap.Contexts, 1)
	cs := snap.Contexts[0]
	assert.Equal(t, "time", cs.Family)
	assert.True(t, cs.Aligned)
	assert.True(t, cs.RecentPage)
	assert.Equal(t, uint32(2), cs.Outcomes)
	assert.Equal(t, uint32(1), cs.Rejected[dt.StageBounds])
	assert.Equal(t, uint32(2), cs.Reached[dt.StageNull])
	assert.Equal(t, uint32(1), cs.Reached[dt.StageDeepScan])
	assert.Len(t, cs.Ordering, dt.StageCount)
}

func TestConcurrentOutcomes(t *testing.T) {
	s := New(nil)
	var g errgroup.Group
	for w := 0; w < 8; w++ {
		g.Go(func() error {
			for i := 0; i < 10_000; i++ {
				if i%2 == 0 {
					rejectAt(s, dt.FamilyIoFd, w%2 == 0, false, dt.StageQuarantine)
				} else {
					pass(s, dt.FamilyIoFd, w%2 == 0, false)
				}
				o := s.Ordering(dt.FamilyIoFd, w%2 == 0, false)
				if o[0] != dt.StageNull || o[1] != dt.StageAlignment {
					t.Errorf("pinned stages moved: %v", o)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, dt.StageQuarantine, s.Ordering(dt.FamilyIoFd, true, false)[2])
}
