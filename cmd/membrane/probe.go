// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"

	"github.com/AleutianAI/membrane/services/membrane"
	dt "github.com/AleutianAI/membrane/services/membrane/datatypes"
)

// probeBlock is the size of the block every probe call targets.
const probeBlock = 64

// ProbeSpec describes pointer-validation traffic against one block.
type ProbeSpec struct {
	Family dt.ApiFamily

	// Calls is the number of ValidatePointer calls.
	Calls int

	// AdverseEvery makes every n-th call request twice the block. Zero
	// keeps every call in bounds.
	AdverseEvery int
}

// ProbeResult counts how the probe calls were settled.
type ProbeResult struct {
	Family    string `json:"family"`
	Calls     int    `json:"calls"`
	Adverse   int    `json:"adverse"`
	Proceeded int    `json:"proceeded"`
	Healed    int    `json:"healed"`
	Refused   int    `json:"refused"`
}

// probe allocates one block, validates accesses to it and frees it.
func probe(ctx context.Context, m *membrane.Membrane, spec ProbeSpec) (ProbeResult, error) {
	res := ProbeResult{Family: spec.Family.String()}
	if spec.Calls <= 0 {
		return res, nil
	}
	p, err := m.Malloc(probeBlock, 0)
	if err != nil {
		return res, fmt.Errorf("allocate probe block: %w", err)
	}
	defer m.Free(p)

	for i := 0; i < spec.Calls; i++ {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return res, err
			}
		}
		size := uint64(probeBlock / 2)
		if spec.AdverseEvery > 0 && i%spec.AdverseEvery == 0 {
			size = probeBlock * 2
			res.Adverse++
		}
		v := m.ValidatePointer(spec.Family, p, size, true, membrane.Extra{})
		res.Calls++
		switch {
		case v.Healed:
			res.Healed++
		case v.Proceed:
			res.Proceeded++
		default:
			res.Refused++
		}
	}
	return res, nil
}
