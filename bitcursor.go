// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package ctf

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// eofOffset is the bit_offset sentinel meaning "stream exhausted".
const eofOffset = ^uint64(0)

// AccessMode selects the read or write dispatch table, mirroring
// O_RDONLY/O_RDWR in the original reader.
type AccessMode int

const (
	AccessRead AccessMode = iota
	AccessWrite
)

// BitCursor is a bit-granular position inside a memory-mapped packet. It
// never reaches into padding: reads past contentSize are refused.
//
// Invariant while not at EOF: bitOffset <= contentSize <= packetSize; base
// is either nil (no mapping) or exactly packetSize/8 bytes long.
type BitCursor struct {
	base        []byte // current packet window, nil if unmapped
	release     func() error
	bitOffset   uint64
	contentSize uint64 // bits
	packetSize  uint64 // bits

	access AccessMode
}

// newBitCursor allocates a cursor with no window mapped yet.
func newBitCursor(access AccessMode) *BitCursor {
	return &BitCursor{access: access, bitOffset: eofOffset}
}

// atEOF reports whether the cursor has been exhausted.
func (c *BitCursor) atEOF() bool { return c.bitOffset == eofOffset }

// unmap releases the current window, if any. Safe to call repeatedly.
func (c *BitCursor) unmap() error {
	if c.release != nil {
		err := c.release()
		c.release = nil
		c.base = nil
		if err != nil {
			return errors.Wrap(err, "unmap packet window")
		}
		return nil
	}
	c.base = nil
	return nil
}

// setMappedWindow releases whatever window the cursor currently holds and
// installs window in its place, resetting bitOffset to 0. The caller is
// responsible for setting contentSize/packetSize afterward. release may be
// nil for a window that needs no cleanup (e.g. a slice of an in-memory
// buffer supplied to OpenMmap).
func (c *BitCursor) setMappedWindow(window []byte, release func() error) error {
	if err := c.unmap(); err != nil {
		return err
	}
	c.base = window
	c.release = release
	c.bitOffset = 0
	return nil
}

// setWindow points the cursor at an in-memory buffer directly, with no
// release step. Used for provisional header windows and by tests.
func (c *BitCursor) setWindow(buf []byte, contentSize, packetSize uint64) {
	c.base = buf
	c.contentSize = contentSize
	c.packetSize = packetSize
	c.bitOffset = 0
}

func (c *BitCursor) remaining() uint64 {
	if c.atEOF() {
		return 0
	}
	return c.contentSize - c.bitOffset
}

// align advances bitOffset up to the next multiple of bits (a no-op if
// already aligned, or if bits <= 1).
func (c *BitCursor) align(alignBits uint32) error {
	if alignBits <= 1 {
		return nil
	}
	a := uint64(alignBits)
	rem := c.bitOffset % a
	if rem != 0 {
		c.bitOffset += a - rem
	}
	if c.bitOffset > c.contentSize {
		return errors.Wrapf(ErrSizeInvariant, "alignment to %d bits overruns content_size", alignBits)
	}
	return nil
}

func (c *BitCursor) checkRoom(n uint32) error {
	if uint64(n) > c.remaining() {
		return errors.Wrapf(ErrSizeInvariant, "need %d bits, only %d remain in packet payload", n, c.remaining())
	}
	return nil
}

// readBitsBE reads the `length` most-significant-bit-first bits starting
// at absolute bit offset `from` out of data, returning them right-justified
// in the result (the first bit read is the value's most significant bit).
func readBitsBE(data []byte, from uint64, length uint32) uint64 {
	var result uint64
	for i := uint32(0); i < length; i++ {
		pos := from + uint64(i)
		byteIdx := pos / 8
		bitInByte := 7 - (pos % 8)
		bit := (data[byteIdx] >> bitInByte) & 1
		result = (result << 1) | uint64(bit)
	}
	return result
}

// writeBitsBE is the write-side inverse of readBitsBE.
func writeBitsBE(data []byte, from uint64, length uint32, value uint64) {
	for i := uint32(0); i < length; i++ {
		pos := from + uint64(i)
		byteIdx := pos / 8
		bitInByte := 7 - (pos % 8)
		bit := byte((value >> (length - 1 - i)) & 1)
		if bit != 0 {
			data[byteIdx] |= 1 << bitInByte
		} else {
			data[byteIdx] &^= 1 << bitInByte
		}
	}
}

// readBitsLE reads a little-endian-ordered bitfield: the byte window
// covering [from, from+length) is conceptually reversed and then read
// MSB-first, which reduces to ordinary little-endian byte assembly for
// byte-aligned, byte-multiple widths and generalizes consistently to
// arbitrary bit widths and offsets.
func readBitsLE(data []byte, from uint64, length uint32) uint64 {
	startByte := from / 8
	endBit := from + uint64(length)
	endByte := (endBit + 7) / 8
	window := make([]byte, endByte-startByte)
	copy(window, data[startByte:endByte])
	for i, j := 0, len(window)-1; i < j; i, j = i+1, j-1 {
		window[i], window[j] = window[j], window[i]
	}
	relOffset := uint64(len(window))*8 - (endBit - startByte*8)
	return readBitsBE(window, relOffset, length)
}

func writeBitsLE(data []byte, from uint64, length uint32, value uint64) {
	startByte := from / 8
	endBit := from + uint64(length)
	endByte := (endBit + 7) / 8
	window := make([]byte, endByte-startByte)
	copy(window, data[startByte:endByte])
	relOffset := uint64(len(window))*8 - (endBit - startByte*8)
	writeBitsBE(window, relOffset, length, value)
	for i, j := 0, len(window)-1; i < j; i, j = i+1, j-1 {
		window[i], window[j] = window[j], window[i]
	}
	copy(data[startByte:endByte], window)
}

func readBits(data []byte, from uint64, length uint32, order binary.ByteOrder) uint64 {
	if order == binary.BigEndian {
		return readBitsBE(data, from, length)
	}
	return readBitsLE(data, from, length)
}

func writeBits(data []byte, from uint64, length uint32, order binary.ByteOrder, value uint64) {
	if order == binary.BigEndian {
		writeBitsBE(data, from, length, value)
		return
	}
	writeBitsLE(data, from, length, value)
}

// readUint reads an unsigned integer of the given width and byte order,
// aligning first, and advances the cursor.
func (c *BitCursor) readUint(decl *IntegerDecl) (uint64, error) {
	if decl.Len == 0 || decl.Len > 64 {
		return 0, errors.Errorf("integer width %d out of range [1,64]", decl.Len)
	}
	if err := c.align(decl.Align); err != nil {
		return 0, err
	}
	if err := c.checkRoom(decl.Len); err != nil {
		return 0, err
	}
	v := readBits(c.base, c.bitOffset, decl.Len, decl.ByteOrder)
	c.bitOffset += uint64(decl.Len)
	return v, nil
}

// readInt reads decl as a two's-complement signed integer.
func (c *BitCursor) readInt(decl *IntegerDecl) (int64, error) {
	v, err := c.readUint(decl)
	if err != nil {
		return 0, err
	}
	if decl.Len < 64 && v&(1<<(decl.Len-1)) != 0 {
		v |= ^uint64(0) << decl.Len
	}
	return int64(v), nil
}

// writeUint is the write-side counterpart of readUint, used by the
// write-mode scaffolding described in the design notes.
func (c *BitCursor) writeUint(decl *IntegerDecl, value uint64) error {
	if decl.Len == 0 || decl.Len > 64 {
		return errors.Errorf("integer width %d out of range [1,64]", decl.Len)
	}
	if err := c.align(decl.Align); err != nil {
		return err
	}
	if err := c.checkRoom(decl.Len); err != nil {
		return err
	}
	writeBits(c.base, c.bitOffset, decl.Len, decl.ByteOrder, value)
	c.bitOffset += uint64(decl.Len)
	return nil
}

// readFloat reads decl's raw bits and decodes them as IEEE-754 when the
// total width is 32 or 64 bits.
func (c *BitCursor) readFloat(decl *FloatDecl) (float64, uint64, error) {
	total := decl.Bits()
	if total == 0 || total > 64 {
		return 0, 0, errors.Errorf("float width %d out of range [1,64]", total)
	}
	if err := c.align(decl.Align); err != nil {
		return 0, 0, err
	}
	if err := c.checkRoom(total); err != nil {
		return 0, 0, err
	}
	raw := readBits(c.base, c.bitOffset, total, decl.ByteOrder)
	c.bitOffset += uint64(total)
	switch total {
	case 32:
		return float64(math.Float32frombits(uint32(raw))), raw, nil
	case 64:
		return math.Float64frombits(raw), raw, nil
	default:
		return 0, raw, nil
	}
}

// readStringNUL reads bytes until (and past) a NUL terminator. The read
// must start byte-aligned, matching CTF's rule that strings are always
// byte-aligned.
func (c *BitCursor) readStringNUL() (string, error) {
	if c.bitOffset%8 != 0 {
		return "", errors.New("string field is not byte-aligned")
	}
	start := c.bitOffset / 8
	limit := c.contentSize / 8
	i := start
	for i < limit && c.base[i] != 0 {
		i++
	}
	if i >= limit {
		return "", errors.Wrap(ErrSizeInvariant, "string field has no NUL terminator before content_size")
	}
	s := string(c.base[start:i])
	c.bitOffset = (i + 1) * 8
	return s, nil
}

func (c *BitCursor) writeStringNUL(s string) error {
	if c.bitOffset%8 != 0 {
		return errors.New("string field is not byte-aligned")
	}
	start := c.bitOffset / 8
	need := uint64(len(s)) + 1
	if err := c.checkRoom(uint32(need * 8)); err != nil {
		return err
	}
	copy(c.base[start:], s)
	c.base[start+uint64(len(s))] = 0
	c.bitOffset += need * 8
	return nil
}
