// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package ctf

import (
	"os"

	mmap "github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
)

// mapPacketWindow returns a byte window covering [offset, offset+length) of
// fs's backing storage, plus the function that releases it. A file-backed
// stream mmaps the region; an OpenMmap-backed stream (fs.data != nil) just
// slices the buffer it was given, so release is a no-op.
//
// MapRegion requires its offset to be a multiple of the system page size,
// which a packet's byte offset essentially never is past the first packet.
// The window is mapped from the page boundary at or before offset and the
// caller's slice is carved back out of it; the release function unmaps the
// whole page-aligned region.
func mapPacketWindow(fs *FileStream, offset int64, length int64) ([]byte, func() error, error) {
	if fs.data != nil {
		end := offset + length
		if offset < 0 || length < 0 || end > int64(len(fs.data)) {
			return nil, nil, errors.Errorf("%s: window [%d,%d) exceeds %d-byte buffer", fs.path, offset, end, len(fs.data))
		}
		return fs.data[offset:end], func() error { return nil }, nil
	}

	pageSize := int64(os.Getpagesize())
	alignedOffset := offset - offset%pageSize
	delta := offset - alignedOffset
	m, err := mmap.MapRegion(fs.f, int(delta+length), mmap.RDONLY, 0, alignedOffset)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "%s: mmap %d bytes at offset %d", fs.path, length, offset)
	}
	return []byte(m)[delta : delta+length], func() error { return m.Unmap() }, nil
}

// streamSize returns the total size, in bytes, of fs's backing storage.
func streamSize(fs *FileStream) (int64, error) {
	if fs.data != nil {
		return int64(len(fs.data)), nil
	}
	info, err := fs.f.Stat()
	if err != nil {
		return 0, errors.Wrapf(err, "stat %s", fs.path)
	}
	return info.Size(), nil
}
