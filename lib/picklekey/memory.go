// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package picklekey

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// lockedMemory is an mmap region outside the Go heap. The garbage
// collector never copies it, so zeroing it on release removes the only
// copy.
type lockedMemory []byte

func allocate(size int) (lockedMemory, error) {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("picklekey: mmap: %w", err)
	}
	if err := unix.Mlock(data); err != nil {
		unix.Munmap(data)
		return nil, fmt.Errorf("picklekey: mlock: %w", err)
	}
	if err := unix.Madvise(data, unix.MADV_DONTDUMP); err != nil {
		unix.Munlock(data)
		unix.Munmap(data)
		return nil, fmt.Errorf("picklekey: madvise(MADV_DONTDUMP): %w", err)
	}
	return data, nil
}

// release zeroes, unlocks and unmaps the region. The first failure is
// returned; the region is unusable either way.
func (m lockedMemory) release() error {
	zero(m)
	var first error
	if err := unix.Munlock(m); err != nil {
		first = fmt.Errorf("picklekey: munlock: %w", err)
	}
	if err := unix.Munmap(m); err != nil && first == nil {
		first = fmt.Errorf("picklekey: munmap: %w", err)
	}
	return first
}

func zero(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
