// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package ctf

import (
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/google/uuid"
)

func TestUpdateTimestampWrap(t *testing.T) {
	fs := &FileStream{}
	const l = 27

	fs.updateTimestamp(&IntegerDefinition{D: &IntegerDecl{Len: l}, Unsigned: 0x7FFFFFE})
	if fs.Timestamp != 0x7FFFFFE {
		t.Fatalf("Timestamp after first sample = %#x, want 0x7FFFFFE", fs.Timestamp)
	}

	fs.updateTimestamp(&IntegerDefinition{D: &IntegerDecl{Len: l}, Unsigned: 0x10})
	if fs.Timestamp != 0x8000010 {
		t.Fatalf("Timestamp after wrapping sample = %#x, want 0x8000010", fs.Timestamp)
	}
}

func TestUpdateTimestamp64Bit(t *testing.T) {
	fs := &FileStream{Timestamp: 0xFFFFFFFFFFFFFFFF}
	fs.updateTimestamp(&IntegerDefinition{D: &IntegerDecl{Len: 64}, Unsigned: 42})
	if fs.Timestamp != 42 {
		t.Fatalf("Timestamp = %d, want 42 (a 64-bit sample bypasses wraparound folding)", fs.Timestamp)
	}
}

func TestResolveEventIDAndTimestampViaVariant(t *testing.T) {
	scope := NewScope()
	headerScope := scope.push(noScope)
	innerScope := scope.push(headerScope)

	scope.bind(innerScope, "id", &IntegerDefinition{D: &IntegerDecl{}, Unsigned: 7})
	scope.bind(innerScope, "timestamp", &IntegerDefinition{D: &IntegerDecl{Len: 27}, Unsigned: 123})

	inner := &StructDefinition{D: &StructDecl{}, scope: innerScope}
	variant := &VariantDefinition{D: &VariantDecl{}, Tag: "compact", Selected: inner}
	scope.bind(headerScope, "v", variant)

	id, ok := resolveEventID(scope, headerScope)
	if !ok || id != 7 {
		t.Fatalf("resolveEventID = %d, %v, want 7, true", id, ok)
	}
	ts, ok := resolveEventTimestamp(scope, headerScope)
	if !ok || ts.Value() != 123 {
		t.Fatalf("resolveEventTimestamp = %v, %v, want 123, true", ts, ok)
	}
}

// eventPipelineFixture builds a trace type whose single stream has both a
// packet header/context (reusing packetindexFixture's layout) and an event
// header/payload, so ReadEvent can be exercised end to end against bytes
// built with nothing but BitCursor writes.
type eventPipelineFixture struct {
	*packetindexFixture
	idDecl      *IntegerDecl
	tsDecl      *IntegerDecl
	valueDecl   *IntegerDecl
	eventClass  *EventClass
}

func newEventPipelineFixture() *eventPipelineFixture {
	f := &eventPipelineFixture{
		packetindexFixture: newPacketindexFixture(),
		idDecl:             &IntegerDecl{Len: 32, Align: 8, ByteOrder: binary.LittleEndian},
		tsDecl:             &IntegerDecl{Len: 27, Align: 8, ByteOrder: binary.LittleEndian},
		valueDecl:          &IntegerDecl{Len: 32, Align: 8, ByteOrder: binary.LittleEndian},
	}
	f.tt.Streams[0].EventHeaderDecl = &StructDecl{
		Fields: []StructField{{Name: "id", Decl: f.idDecl}, {Name: "timestamp", Decl: f.tsDecl}},
		Align:  8,
	}
	f.eventClass = &EventClass{
		ID:   0,
		Name: "evt",
		PayloadDecl: &StructDecl{
			Fields: []StructField{{Name: "value", Decl: f.valueDecl}},
			Align:  8,
		},
	}
	f.tt.Streams[0].EventsByID = []*EventClass{f.eventClass}
	return f
}

// buildOneEventPacket writes one packet containing exactly one event,
// continuing a single write cursor across header, context, event header,
// and payload so every field lands at the same bit offset a read cursor
// would place it at.
func (f *eventPipelineFixture) buildOneEventPacket(id uuid.UUID, eventID uint32, tsSample uint64, value uint32) []byte {
	const packetBits = (fixtureHeaderContextBytes + 12) * 8 // 480 header+context, 96 header+payload
	buf := make([]byte, packetBits/8)
	w := writeCursorFor(buf)
	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}
	must(w.writeUint(f.magicDecl, uint64(CTFMagic)))
	for _, b := range id {
		must(w.writeUint(f.uuidElemDecl, uint64(b)))
	}
	must(w.writeUint(f.streamIDDecl, 0))
	must(w.writeUint(f.ctxIntDecl, 0))          // timestamp_begin
	must(w.writeUint(f.ctxIntDecl, 0))          // timestamp_end
	must(w.writeUint(f.ctxIntDecl, packetBits)) // content_size
	must(w.writeUint(f.ctxIntDecl, packetBits)) // packet_size
	must(w.writeUint(f.idDecl, uint64(eventID)))
	must(w.writeUint(f.tsDecl, tsSample))
	must(w.writeUint(f.valueDecl, uint64(value)))
	return buf
}

func TestReadEventBasic(t *testing.T) {
	f := newEventPipelineFixture()
	trace := &Trace{Type: f.tt}
	data := f.buildOneEventPacket(uuid.New(), 0, 12345, 0xCAFEBABE)

	fs := newDataFileStream(trace, data)
	if err := indexPackets(fs, uint64(fixtureHeaderContextBytes*8)); err != nil {
		t.Fatalf("indexPackets: %v", err)
	}

	ev, err := fs.ReadEvent()
	if err != nil {
		t.Fatalf("ReadEvent: %v", err)
	}
	if ev.ID != 0 || ev.Class == nil || ev.Class.Name != "evt" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if !ev.HasTimestamp || ev.Timestamp != 12345 {
		t.Fatalf("timestamp = %d, hasTimestamp = %v, want 12345, true", ev.Timestamp, ev.HasTimestamp)
	}
	payload, ok := ev.Payload.(*StructDefinition)
	if !ok {
		t.Fatalf("Payload is %T, want *StructDefinition", ev.Payload)
	}
	value, ok := payload.FieldByName("value")
	if !ok || value.(*IntegerDefinition).Value() != 0xCAFEBABE {
		t.Fatalf("value field = %v", value)
	}

	if _, err := fs.ReadEvent(); err != io.EOF {
		t.Fatalf("second ReadEvent = %v, want io.EOF", err)
	}
}

func TestReadEventUnknownEventID(t *testing.T) {
	f := newEventPipelineFixture()
	trace := &Trace{Type: f.tt}
	data := f.buildOneEventPacket(uuid.New(), 5, 1, 0)

	fs := newDataFileStream(trace, data)
	if err := indexPackets(fs, uint64(fixtureHeaderContextBytes*8)); err != nil {
		t.Fatalf("indexPackets: %v", err)
	}

	_, err := fs.ReadEvent()
	if !errors.Is(err, ErrUnknownEventID) {
		t.Fatalf("ReadEvent error = %v, want ErrUnknownEventID", err)
	}
}
