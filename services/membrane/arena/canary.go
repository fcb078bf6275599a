// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package arena

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/awnumar/memguard"
	"github.com/cespare/xxhash/v2"
)

const canaryKeySize = 32

// canarySecret derives per-allocation canary words from a process secret.
//
// The secret lives in a memguard LockedBuffer (mlocked, guard pages, never
// swapped) when available. If locked memory cannot be obtained, the secret
// falls back to ordinary heap memory and the fallback is logged once.
type canarySecret struct {
	locked   *memguard.LockedBuffer
	fallback [canaryKeySize]byte
}

func newCanarySecret(useLocked bool, logger *slog.Logger) (*canarySecret, error) {
	c := &canarySecret{}
	if useLocked {
		buf, err := allocateLockedKey()
		if err == nil {
			c.locked = buf
			return c, nil
		}
		logger.Warn("canary key falling back to unlocked memory", "error", err)
	}
	if _, err := rand.Read(c.fallback[:]); err != nil {
		return nil, fmt.Errorf("generate canary key: %w", err)
	}
	return c, nil
}

// allocateLockedKey converts memguard's panic-on-mlock-failure into an error.
func allocateLockedKey() (buf *memguard.LockedBuffer, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("memguard: %v", r)
		}
	}()
	buf = memguard.NewBufferRandom(canaryKeySize)
	if buf == nil {
		return nil, fmt.Errorf("memguard returned no buffer")
	}
	if buf.Size() != canaryKeySize {
		return nil, fmt.Errorf("memguard returned a %d-byte buffer", buf.Size())
	}
	return buf, nil
}

func (c *canarySecret) key() []byte {
	if c.locked != nil {
		return c.locked.Bytes()
	}
	return c.fallback[:]
}

// word returns the canary for the allocation at addr with generation gen.
func (c *canarySecret) word(addr uint64, gen uint32) uint64 {
	var in [canaryKeySize + 16]byte
	copy(in[:canaryKeySize], c.key())
	binary.LittleEndian.PutUint64(in[canaryKeySize:], addr)
	binary.LittleEndian.PutUint64(in[canaryKeySize+8:], uint64(gen))
	return xxhash.Sum64(in[:])
}

// write stores the canary for (addr, gen) into dst[0:CanarySize].
func (c *canarySecret) write(dst []byte, addr uint64, gen uint32) {
	binary.LittleEndian.PutUint64(dst[:CanarySize], c.word(addr, gen))
}

// check reports whether src[0:CanarySize] holds the canary for (addr, gen).
func (c *canarySecret) check(src []byte, addr uint64, gen uint32) bool {
	if len(src) < CanarySize {
		return false
	}
	return binary.LittleEndian.Uint64(src[:CanarySize]) == c.word(addr, gen)
}

func (c *canarySecret) destroy() {
	if c.locked != nil {
		c.locked.Destroy()
	}
}
