// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package ctf

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// TraceType is the trace-wide type model built by the metadata
// collaborator and consumed read-only by the reader core: packet-header
// declaration, byte order, optional UUID, and the stream class table
// indexed by stream id.
type TraceType struct {
	ByteOrder        binary.ByteOrder
	UUID             uuid.UUID
	HasUUID          bool
	PacketHeaderDecl *StructDecl // nil if the trace declares no packet header
	Streams          []*StreamClass
	MajorVersion     uint32
	MinorVersion     uint32
}

// StreamByID returns the stream class declared for id, or ok=false if id
// is out of range or unset.
func (t *TraceType) StreamByID(id uint64) (*StreamClass, bool) {
	if id >= uint64(len(t.Streams)) {
		return nil, false
	}
	sc := t.Streams[id]
	return sc, sc != nil
}

// StreamClass is the shared type declaration for a family of file streams:
// packet context, event header/context, and the per-event-id class table.
type StreamClass struct {
	ID                uint64
	PacketContextDecl *StructDecl
	EventHeaderDecl   *StructDecl
	EventContextDecl  *StructDecl
	EventsByID        []*EventClass // sparse; a nil entry means "undeclared"
}

// EventByID returns the event class declared for id, or ok=false.
func (sc *StreamClass) EventByID(id uint64) (*EventClass, bool) {
	if id >= uint64(len(sc.EventsByID)) {
		return nil, false
	}
	ec := sc.EventsByID[id]
	return ec, ec != nil
}

// EventClass is the shared type declaration for one event kind: its own
// context and payload layout.
type EventClass struct {
	ID          uint64
	Name        string
	ContextDecl *StructDecl
	PayloadDecl *StructDecl
}
