// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package heal

// Remaining is a byte count that may be unknown.
type Remaining struct {
	Bytes uint64
	Known bool
}

// Known wraps a known byte count.
func Known(n uint64) Remaining { return Remaining{Bytes: n, Known: true} }

// Unknown is a byte count the membrane has no evidence for.
var Unknown = Remaining{}

// Plan is the parameter set for a heal. Kind is KindNone when the request
// already fits.
type Plan struct {
	Kind      Kind
	Requested uint64
	Available uint64
}

// Effective is the length Apply will produce for the plan.
func (pl Plan) Effective() uint64 {
	switch pl.Kind {
	case KindClampToBounds:
		return min(pl.Requested, pl.Available)
	case KindTruncateWithNull:
		if pl.Available == 0 {
			return 0
		}
		return min(pl.Requested, pl.Available-1)
	}
	return pl.Requested
}

// Context binds the plan to a call.
func (pl Plan) Context(ctx Context) Context {
	ctx.Requested, ctx.Available = pl.Requested, pl.Available
	return ctx
}

// PlanCopy computes clamp parameters for a bounded copy. The tighter of
// the known bounds wins; with neither known nothing is planned.
func PlanCopy(requested uint64, src, dst Remaining) Plan {
	var available uint64
	switch {
	case src.Known && dst.Known:
		available = min(src.Bytes, dst.Bytes)
	case src.Known:
		available = src.Bytes
	case dst.Known:
		available = dst.Bytes
	default:
		return Plan{Requested: requested}
	}
	if requested <= available {
		return Plan{Requested: requested, Available: available}
	}
	return Plan{Kind: KindClampToBounds, Requested: requested, Available: available}
}

// PlanString computes truncation parameters for a string of srcLen bytes
// (terminator excluded) written into dst.
func PlanString(srcLen uint64, dst Remaining) Plan {
	if !dst.Known || srcLen < dst.Bytes {
		return Plan{Requested: srcLen, Available: dst.Bytes}
	}
	return Plan{Kind: KindTruncateWithNull, Requested: srcLen, Available: dst.Bytes}
}
