// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package ctf

import (
	"encoding/binary"
	"testing"
)

func TestBitCursorIntegerRoundTrip(t *testing.T) {
	widths := []uint32{1, 3, 7, 8, 12, 16, 24, 31, 32, 48, 63, 64}
	orders := []binary.ByteOrder{binary.LittleEndian, binary.BigEndian}

	for _, width := range widths {
		for _, order := range orders {
			name := orderName(order)
			t.Run(itoa(int(width))+"bits_"+name, func(t *testing.T) {
				decl := &IntegerDecl{Len: width, Align: 1, ByteOrder: order}
				var want uint64
				if width == 64 {
					want = 0xA5A5A5A5A5A5A5A5
				} else {
					want = (uint64(1) << width) - 1 // all ones, the trickiest pattern to misalign
					want ^= 1                        // flip the low bit so BE/LE reversal is visible
				}

				buf := make([]byte, 16)
				writeCursor := newBitCursor(AccessWrite)
				writeCursor.setWindow(buf, uint64(len(buf))*8, uint64(len(buf))*8)
				if err := writeCursor.writeUint(decl, want); err != nil {
					t.Fatalf("writeUint: %v", err)
				}

				readCursor := newBitCursor(AccessRead)
				readCursor.setWindow(buf, uint64(len(buf))*8, uint64(len(buf))*8)
				got, err := readCursor.readUint(decl)
				if err != nil {
					t.Fatalf("readUint: %v", err)
				}
				if got != want {
					t.Fatalf("round trip mismatch: wrote %#x, read %#x", want, got)
				}
			})
		}
	}
}

func TestBitCursorSignedRoundTrip(t *testing.T) {
	decl := &IntegerDecl{Len: 16, Align: 1, Signed: true, ByteOrder: binary.LittleEndian}
	buf := make([]byte, 4)

	w := newBitCursor(AccessWrite)
	w.setWindow(buf, 32, 32)
	var signed int16 = -1234
	if err := w.writeUint(decl, uint64(uint16(signed))); err != nil {
		t.Fatalf("writeUint: %v", err)
	}

	r := newBitCursor(AccessRead)
	r.setWindow(buf, 32, 32)
	got, err := r.readInt(decl)
	if err != nil {
		t.Fatalf("readInt: %v", err)
	}
	if got != -1234 {
		t.Fatalf("readInt = %d, want -1234", got)
	}
}

func TestBitCursorAlignment(t *testing.T) {
	buf := make([]byte, 8)
	c := newBitCursor(AccessWrite)
	c.setWindow(buf, 64, 64)

	bit := &IntegerDecl{Len: 1, Align: 1, ByteOrder: binary.LittleEndian}
	if err := c.writeUint(bit, 1); err != nil {
		t.Fatalf("writeUint: %v", err)
	}
	if c.bitOffset != 1 {
		t.Fatalf("bitOffset = %d, want 1", c.bitOffset)
	}

	word := &IntegerDecl{Len: 32, Align: 32, ByteOrder: binary.LittleEndian}
	if err := c.writeUint(word, 0x1234); err != nil {
		t.Fatalf("writeUint: %v", err)
	}
	if c.bitOffset != 64 {
		t.Fatalf("bitOffset after aligned write = %d, want 64", c.bitOffset)
	}
}

func TestBitCursorOverrun(t *testing.T) {
	buf := make([]byte, 1)
	c := newBitCursor(AccessRead)
	c.setWindow(buf, 8, 8)
	decl := &IntegerDecl{Len: 16, Align: 1, ByteOrder: binary.LittleEndian}
	if _, err := c.readUint(decl); err == nil {
		t.Fatalf("expected an overrun error reading 16 bits out of an 8-bit window")
	}
}

func TestBitCursorStringNUL(t *testing.T) {
	buf := append([]byte("hello"), 0, 'X')
	c := newBitCursor(AccessRead)
	c.setWindow(buf, uint64(len(buf))*8, uint64(len(buf))*8)
	c.contentSize = uint64(len(buf)-1) * 8 // "X" is padding past content_size

	s, err := c.readStringNUL()
	if err != nil {
		t.Fatalf("readStringNUL: %v", err)
	}
	if s != "hello" {
		t.Fatalf("readStringNUL = %q, want %q", s, "hello")
	}
	if c.bitOffset != 48 { // "hello\0" is 6 bytes
		t.Fatalf("bitOffset = %d, want 48", c.bitOffset)
	}
}

func TestBitCursorStringMissingNUL(t *testing.T) {
	buf := []byte("nonulhere")
	c := newBitCursor(AccessRead)
	c.setWindow(buf, uint64(len(buf))*8, uint64(len(buf))*8)
	if _, err := c.readStringNUL(); err == nil {
		t.Fatalf("expected an error for a string with no NUL terminator")
	}
}

func orderName(o binary.ByteOrder) string {
	if o == binary.BigEndian {
		return "be"
	}
	return "le"
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
