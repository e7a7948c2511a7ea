// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package ctf

import (
	"os"

	"github.com/pkg/errors"
)

// FileStream is one open stream file: its own fd, bit cursor, packet
// index, and the definition tree bound to whichever packet the cursor is
// currently positioned over. Many FileStreams share one StreamClass.
type FileStream struct {
	trace *Trace
	path  string
	f     *os.File // nil for an OpenMmap-backed stream
	data  []byte   // non-nil for an OpenMmap-backed stream, in place of f

	cursor      *BitCursor
	PacketIndex []PacketIndexEntry
	curIndex    int

	StreamID          uint64
	StreamClass       *StreamClass
	PacketHeaderDef   *StructDefinition
	PacketContextDef  *StructDefinition
	packetHeaderScope *Scope // arena used only while indexing, before the real cursor exists
	scope             *Scope // arena backing the current packet's definition tree
	packetScope       scopeID

	Timestamp    uint64
	HasTimestamp bool
}

// openFileStream opens the file called name inside dir and runs the packet
// indexer over it.
func openFileStream(trace *Trace, dir *os.File, name string, maxPacketHeaderLenBits uint64) (*FileStream, error) {
	full := dir.Name() + string(os.PathSeparator) + name
	f, err := os.Open(full)
	if err != nil {
		return nil, errors.Wrapf(err, "open stream file %s", full)
	}
	fs := &FileStream{
		trace: trace,
		path:  full,
		f:     f,
		scope: NewScope(),
	}
	fs.cursor = newBitCursor(AccessRead)
	if err := indexPackets(fs, maxPacketHeaderLenBits); err != nil {
		f.Close()
		return nil, err
	}
	return fs, nil
}

// openMmapStream binds trace to an in-memory packet buffer supplied to
// OpenMmap and runs the packet indexer over it, in place of opening a file.
func openMmapStream(trace *Trace, name string, data []byte, maxPacketHeaderLenBits uint64) (*FileStream, error) {
	fs := &FileStream{
		trace: trace,
		path:  name,
		data:  data,
		scope: NewScope(),
	}
	fs.cursor = newBitCursor(AccessRead)
	if err := indexPackets(fs, maxPacketHeaderLenBits); err != nil {
		return nil, err
	}
	return fs, nil
}

// createDefinitions is invoked once, on the first packet, after a file
// stream has been bound to its stream class. It mirrors the original
// reader's create_stream_definitions, whose job there is to preallocate
// per-event definition slots; here it only needs to sanity-check the
// binding since definitions are decoded fresh on every read.
func (fs *FileStream) createDefinitions() error {
	if fs.StreamClass == nil {
		return errors.New("file stream has no bound stream class")
	}
	return nil
}

// moveToPacket implements move(0, SET) when i==0 right after indexing, and
// move(0, CUR) (i = curIndex+1) during normal reading. It slides the mmap
// window to packet i, re-decodes that packet's header and context, and
// transparently skips an empty packet by recursing to i+1.
func (fs *FileStream) moveToPacket(i int) error {
	if i >= len(fs.PacketIndex) {
		fs.curIndex = i
		fs.cursor.bitOffset = eofOffset
		return nil
	}
	entry := fs.PacketIndex[i]
	window, release, err := mapPacketWindow(fs, entry.OffsetBytes, int64(entry.PacketSizeBits/8))
	if err != nil {
		return errors.Wrapf(err, "%s: packet %d", fs.path, i)
	}
	if err := fs.cursor.setMappedWindow(window, release); err != nil {
		return errors.Wrapf(err, "%s: packet %d", fs.path, i)
	}
	fs.cursor.contentSize = entry.ContentSizeBits
	fs.cursor.packetSize = entry.PacketSizeBits
	fs.curIndex = i

	fs.scope = NewScope()
	parent := noScope

	if fs.trace.Type.PacketHeaderDecl != nil {
		def, err := decode(fs.cursor, fs.trace.Type.PacketHeaderDecl, fs.scope, parent, "trace.packet.header")
		if err != nil {
			return errors.Wrapf(err, "%s: packet %d: re-decoding packet header", fs.path, i)
		}
		fs.PacketHeaderDef = def.(*StructDefinition)
		parent = fs.PacketHeaderDef.scope
	}
	if fs.StreamClass.PacketContextDecl != nil {
		def, err := decode(fs.cursor, fs.StreamClass.PacketContextDecl, fs.scope, parent, "stream.packet.context")
		if err != nil {
			return errors.Wrapf(err, "%s: packet %d: re-decoding packet context", fs.path, i)
		}
		fs.PacketContextDef = def.(*StructDefinition)
		parent = fs.PacketContextDef.scope
	}
	fs.packetScope = parent

	if entry.DataOffsetBits == entry.ContentSizeBits {
		// Empty packet: nothing to read, skip straight to the next one.
		return fs.moveToPacket(i + 1)
	}
	return nil
}

func (fs *FileStream) close() error {
	if err := fs.cursor.unmap(); err != nil {
		return err
	}
	if fs.f == nil {
		return nil
	}
	return fs.f.Close()
}

// defScope returns the scope node a definition's own fields were bound
// into, unwrapping a variant down to whichever arm was actually selected.
// Definitions with no scope of their own (integers, strings, ...) return
// noScope, which lookups treat as "nothing bound here, keep walking up".
func defScope(d Definition) scopeID {
	switch v := d.(type) {
	case *StructDefinition:
		return v.scope
	case *VariantDefinition:
		return defScope(v.Selected)
	default:
		return noScope
	}
}
