// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package workload drives the arena with synthetic allocation storms and
// verifies every surviving record at the end of a run.
package workload

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/AleutianAI/membrane/services/membrane/arena"
	"golang.org/x/sync/errgroup"
)

// ErrVerificationFailed is returned when a live record fails validation.
var ErrVerificationFailed = errors.New("live record failed verification")

// Kind selects the storm shape.
type Kind uint8

const (
	// Sawtooth ramps live allocations up one at a time, then frees them all.
	Sawtooth Kind = iota

	// InverseSawtooth allocates to the ceiling at once, then frees one at a time.
	InverseSawtooth

	// RandomChurn allocates and frees at random with random sizes.
	RandomChurn

	// ClassThrash cycles through every size class with a bounded live window.
	ClassThrash

	// Exhaustion allocates until the arena refuses, frees half, repeats.
	Exhaustion

	// AlignmentStress mixes power-of-two alignments up to 64 KiB.
	AlignmentStress
)

var kindNames = []string{"sawtooth", "inverse_sawtooth", "random_churn", "class_thrash", "exhaustion", "alignment_stress"}

// String returns the snake_case storm name.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Kinds returns every storm kind.
func Kinds() []Kind {
	out := make([]Kind, len(kindNames))
	for i := range out {
		out[i] = Kind(i)
	}
	return out
}

// ParseKind parses a storm name as produced by String.
func ParseKind(s string) (Kind, error) {
	s = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	for i, name := range kindNames {
		if name == s {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown storm %q (want one of %s)", s, strings.Join(kindNames, ", "))
}

// Spec describes one storm.
type Spec struct {
	Kind Kind

	// Ops is the number of allocate plus free operations to perform.
	Ops int

	// MaxLive bounds the live set. Exhaustion ignores it.
	MaxLive int

	// MaxSize bounds request sizes.
	MaxSize uint64

	// Seed makes the run deterministic.
	Seed uint64
}

// Result summarises a storm.
type Result struct {
	Kind      Kind `json:"kind"`
	Ops       int  `json:"ops"`
	Allocs    int  `json:"allocs"`
	Frees     int  `json:"frees"`
	Failures  int  `json:"failures"`
	PeakLive  int  `json:"peak_live"`
	Verified  int  `json:"verified"`
	Misaligns int  `json:"misaligns"`
}

type liveRec struct {
	addr  uint64
	size  uint64
	align uint64
}

// runner holds the state of one storm.
type runner struct {
	a    *arena.Arena
	spec Spec
	rng  *rand.Rand
	live []liveRec
	res  Result
}

// Run executes spec against a and verifies every surviving record.
//
// Description:
//
//	Runs the storm until Ops operations have been issued or ctx is done,
//	then validates and deep-scans every live record, and finally frees the
//	live set so the arena can be reused. A failed allocation is counted,
//	not treated as an error: exhaustion is an expected outcome.
//
// Outputs:
//
//	Result - Counters for the run.
//	error - ErrVerificationFailed (wrapped) if a live record did not
//	        verify or a free of a live record was rejected; ctx.Err()
//	        on cancellation.
func Run(ctx context.Context, a *arena.Arena, spec Spec) (Result, error) {
	if spec.MaxLive <= 0 {
		spec.MaxLive = 1024
	}
	if spec.MaxSize == 0 {
		spec.MaxSize = 4096
	}
	r := &runner{
		a:    a,
		spec: spec,
		rng:  rand.New(rand.NewPCG(spec.Seed, spec.Seed^0x9e3779b97f4a7c15)),
		res:  Result{Kind: spec.Kind},
	}

	var err error
	switch spec.Kind {
	case Sawtooth:
		err = r.sawtooth(ctx)
	case InverseSawtooth:
		err = r.inverseSawtooth(ctx)
	case RandomChurn:
		err = r.randomChurn(ctx)
	case ClassThrash:
		err = r.classThrash(ctx)
	case Exhaustion:
		err = r.exhaustion(ctx)
	case AlignmentStress:
		err = r.alignmentStress(ctx)
	default:
		return r.res, fmt.Errorf("unknown storm kind %d", spec.Kind)
	}
	if err != nil {
		return r.res, err
	}
	if err := r.verify(); err != nil {
		return r.res, err
	}
	return r.res, r.release()
}

// RunConcurrent runs workers copies of spec in parallel against one arena,
// each with its own seed.
func RunConcurrent(ctx context.Context, a *arena.Arena, spec Spec, workers int) ([]Result, error) {
	if workers < 1 {
		workers = 1
	}
	results := make([]Result, workers)
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		s := spec
		s.Seed = spec.Seed + uint64(w)*7919
		s.MaxLive = max(1, spec.MaxLive/workers)
		g.Go(func() error {
			res, err := Run(gctx, a, s)
			results[w] = res
			if err != nil {
				return fmt.Errorf("worker %d: %w", w, err)
			}
			return nil
		})
	}
	return results, g.Wait()
}

// =============================================================================
// Storm shapes
// =============================================================================

func (r *runner) done(ctx context.Context) (bool, error) {
	if r.res.Ops >= r.spec.Ops {
		return true, nil
	}
	if r.res.Ops%4096 == 0 {
		if err := ctx.Err(); err != nil {
			return true, err
		}
	}
	return false, nil
}

func (r *runner) sawtooth(ctx context.Context) error {
	for {
		for len(r.live) < r.spec.MaxLive {
			if stop, err := r.done(ctx); stop {
				return err
			}
			r.alloc(r.randSize(), arena.MinAlign)
		}
		for len(r.live) > 0 {
			if stop, err := r.done(ctx); stop {
				return err
			}
			if err := r.freeAt(0); err != nil {
				return err
			}
		}
	}
}

func (r *runner) inverseSawtooth(ctx context.Context) error {
	for {
		for len(r.live) < r.spec.MaxLive {
			if stop, err := r.done(ctx); stop {
				return err
			}
			r.alloc(r.randSize(), arena.MinAlign)
		}
		for len(r.live) > 0 {
			if stop, err := r.done(ctx); stop {
				return err
			}
			if err := r.freeAt(len(r.live) - 1); err != nil {
				return err
			}
		}
	}
}

func (r *runner) randomChurn(ctx context.Context) error {
	for {
		if stop, err := r.done(ctx); stop {
			return err
		}
		if len(r.live) == 0 || (len(r.live) < r.spec.MaxLive && r.rng.IntN(2) == 0) {
			r.alloc(r.randSize(), arena.MinAlign)
			continue
		}
		if err := r.freeAt(r.rng.IntN(len(r.live))); err != nil {
			return err
		}
	}
}

func (r *runner) classThrash(ctx context.Context) error {
	var classes []int
	for c := 0; c < arena.NumClasses(); c++ {
		if uint64(arena.ClassStride(c)) <= r.spec.MaxSize+arena.CanarySize {
			classes = append(classes, c)
		}
	}
	if len(classes) == 0 {
		classes = []int{0}
	}
	next := 0
	for {
		if stop, err := r.done(ctx); stop {
			return err
		}
		if len(r.live) >= r.spec.MaxLive {
			if err := r.freeAt(0); err != nil {
				return err
			}
			continue
		}
		c := classes[next%len(classes)]
		next++
		r.alloc(uint64(arena.ClassStride(c))-arena.CanarySize, arena.MinAlign)
	}
}

func (r *runner) exhaustion(ctx context.Context) error {
	for {
		for {
			if stop, err := r.done(ctx); stop {
				return err
			}
			if !r.alloc(r.randSize(), arena.MinAlign) {
				break
			}
		}
		for half := len(r.live) / 2; len(r.live) > half; {
			if stop, err := r.done(ctx); stop {
				return err
			}
			if err := r.freeAt(r.rng.IntN(len(r.live))); err != nil {
				return err
			}
		}
	}
}

func (r *runner) alignmentStress(ctx context.Context) error {
	for {
		if stop, err := r.done(ctx); stop {
			return err
		}
		if len(r.live) == 0 || (len(r.live) < r.spec.MaxLive && r.rng.IntN(2) == 0) {
			align := uint64(1) << (4 + r.rng.IntN(13))
			r.alloc(r.randSize(), align)
			continue
		}
		if err := r.freeAt(r.rng.IntN(len(r.live))); err != nil {
			return err
		}
	}
}

// =============================================================================
// Primitives
// =============================================================================

func (r *runner) randSize() uint64 {
	return r.rng.Uint64N(r.spec.MaxSize + 1)
}

func (r *runner) alloc(size, align uint64) bool {
	r.res.Ops++
	addr, ok := r.a.AllocateAligned(size, align)
	if !ok {
		r.res.Failures++
		return false
	}
	if addr%align != 0 {
		r.res.Misaligns++
	}
	r.res.Allocs++
	r.live = append(r.live, liveRec{addr: addr, size: size, align: align})
	if len(r.live) > r.res.PeakLive {
		r.res.PeakLive = len(r.live)
	}
	return true
}

func (r *runner) freeAt(i int) error {
	r.res.Ops++
	rec := r.live[i]
	last := len(r.live) - 1
	if i == 0 && r.spec.Kind != RandomChurn && r.spec.Kind != Exhaustion && r.spec.Kind != AlignmentStress {
		copy(r.live, r.live[1:])
	} else {
		r.live[i] = r.live[last]
	}
	r.live = r.live[:last]

	if out := r.a.Free(rec.addr); out != arena.Freed {
		return fmt.Errorf("%w: free of live %#x returned %s", ErrVerificationFailed, rec.addr, out)
	}
	r.res.Frees++
	return nil
}

func (r *runner) verify() error {
	for _, rec := range r.live {
		res := r.a.Validate(rec.addr)
		if !res.Outcome.Valid() || res.Remaining != rec.size {
			return fmt.Errorf("%w: %#x (size %d) validated as %s remaining %d",
				ErrVerificationFailed, rec.addr, rec.size, res.Outcome, res.Remaining)
		}
		if !r.a.DeepScan(rec.addr).OK() {
			return fmt.Errorf("%w: deep scan of %#x failed", ErrVerificationFailed, rec.addr)
		}
		r.res.Verified++
	}
	if r.res.Misaligns > 0 {
		return fmt.Errorf("%w: %d misaligned allocations", ErrVerificationFailed, r.res.Misaligns)
	}
	return nil
}

func (r *runner) release() error {
	for len(r.live) > 0 {
		rec := r.live[len(r.live)-1]
		r.live = r.live[:len(r.live)-1]
		if out := r.a.Free(rec.addr); out != arena.Freed {
			return fmt.Errorf("%w: release of %#x returned %s", ErrVerificationFailed, rec.addr, out)
		}
	}
	return nil
}
