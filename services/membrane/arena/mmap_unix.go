// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build unix

package arena

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// mapRegion reserves n bytes of anonymous, page-aligned memory outside the
// Go heap for a large reservation.
func mapRegion(n uint64) ([]byte, error) {
	b, err := unix.Mmap(-1, 0, int(n), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", n, err)
	}
	return b, nil
}

// releaseRegion returns the pages to the kernel while keeping the mapping
// readable, so late readers of a freed reservation see zeros, not a fault.
func releaseRegion(b []byte) {
	if len(b) > 0 {
		_ = unix.Madvise(b, unix.MADV_DONTNEED)
	}
}

// unmapRegion drops the mapping once the reservation's index is recycled.
func unmapRegion(b []byte) {
	if len(b) > 0 {
		_ = unix.Munmap(b)
	}
}

func systemPageSize() uint64 {
	return uint64(unix.Getpagesize())
}
