// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package ctf

import (
	"io"

	"github.com/pkg/errors"
)

// Event is one decoded event: its resolved id, its reconstructed 64-bit
// timestamp (if the stream declares a clock field), and the definition
// trees for each of the four layers the original format can interleave
// between packet context and payload.
type Event struct {
	ID           uint64
	Class        *EventClass
	HasTimestamp bool
	Timestamp    uint64

	Header              *StructDefinition
	StreamEventContext  *StructDefinition
	EventContext        *StructDefinition
	Payload             Definition
}

// ReadEvent decodes the next event from fs. It returns io.EOF, not an
// error value, once the stream is exhausted; every other non-nil error is
// fatal to the stream.
func (fs *FileStream) ReadEvent() (*Event, error) {
	if fs.cursor.atEOF() {
		return nil, io.EOF
	}
	if err := fs.getEvent(); err != nil {
		return nil, err
	}
	if fs.cursor.atEOF() {
		return nil, io.EOF
	}

	parent := fs.packetScope
	ev := &Event{}

	if fs.StreamClass.EventHeaderDecl != nil {
		def, err := decode(fs.cursor, fs.StreamClass.EventHeaderDecl, fs.scope, parent, "stream.event.header")
		if err != nil {
			return nil, errors.Wrapf(err, "%s: packet %d", fs.path, fs.curIndex)
		}
		ev.Header = def.(*StructDefinition)
		parent = ev.Header.scope

		id, ok := resolveEventID(fs.scope, parent)
		if ok {
			ev.ID = id
		}
		if ts, ok := resolveEventTimestamp(fs.scope, parent); ok {
			fs.updateTimestamp(ts)
			ev.HasTimestamp = true
			ev.Timestamp = fs.Timestamp
		}
	}

	if fs.StreamClass.EventContextDecl != nil {
		def, err := decode(fs.cursor, fs.StreamClass.EventContextDecl, fs.scope, parent, "stream.event.context")
		if err != nil {
			return nil, errors.Wrapf(err, "%s: packet %d", fs.path, fs.curIndex)
		}
		ev.StreamEventContext = def.(*StructDefinition)
		parent = ev.StreamEventContext.scope
	}

	class, ok := fs.StreamClass.EventByID(ev.ID)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownEventID, "%s: event id %d is unknown", fs.path, ev.ID)
	}
	ev.Class = class

	if class.ContextDecl != nil {
		def, err := decode(fs.cursor, class.ContextDecl, fs.scope, parent, "event.context")
		if err != nil {
			return nil, errors.Wrapf(err, "%s: packet %d: event %s", fs.path, fs.curIndex, class.Name)
		}
		ev.EventContext = def.(*StructDefinition)
		parent = ev.EventContext.scope
	}

	if class.PayloadDecl != nil {
		def, err := decode(fs.cursor, class.PayloadDecl, fs.scope, parent, "event.fields")
		if err != nil {
			return nil, errors.Wrapf(err, "%s: packet %d: event %s", fs.path, fs.curIndex, class.Name)
		}
		ev.Payload = def
	}

	return ev, nil
}

// getEvent aligns the cursor to the stream's event-header alignment and,
// if that lands exactly on the packet boundary, advances to the next
// packet (skipping empty ones), mirroring ctf_move_pos_slow's handling of
// "no more events in this packet".
func (fs *FileStream) getEvent() error {
	alignBits := uint32(1)
	if fs.StreamClass.EventHeaderDecl != nil {
		alignBits = fs.StreamClass.EventHeaderDecl.Align
	}
	if err := fs.cursor.align(alignBits); err != nil {
		return err
	}
	if fs.cursor.bitOffset == fs.cursor.contentSize {
		return fs.moveToPacket(fs.curIndex + 1)
	}
	return nil
}

// resolveEventID implements the lookup fallback chain: a top-level integer
// "id", else a top-level enum "id" (already folded into an integer by
// lookupInteger), else an integer "id" inside a variant field named "v".
func resolveEventID(scope *Scope, headerScope scopeID) (uint64, bool) {
	if idDef, ok := lookupInteger(scope, headerScope, "id"); ok {
		return idDef.Value(), true
	}
	if v, ok := lookupVariant(scope, headerScope, "v"); ok {
		if idDef, ok := lookupInteger(scope, defScope(v.Selected), "id"); ok {
			return idDef.Value(), true
		}
	}
	return 0, false
}

// resolveEventTimestamp applies the same fallback chain as resolveEventID
// but for the "timestamp" clock sample field.
func resolveEventTimestamp(scope *Scope, headerScope scopeID) (*IntegerDefinition, bool) {
	if tsDef, ok := lookupInteger(scope, headerScope, "timestamp"); ok {
		return tsDef, true
	}
	if v, ok := lookupVariant(scope, headerScope, "v"); ok {
		if tsDef, ok := lookupInteger(scope, defScope(v.Selected), "timestamp"); ok {
			return tsDef, true
		}
	}
	return nil, false
}

// updateTimestamp folds a truncated L-bit clock sample into fs.Timestamp,
// the stream's 64-bit running clock value. A 64-bit sample is taken as the
// absolute value outright; anything narrower is assumed monotonic and is
// allowed to wrap at most once per update, matching ctf_update_timestamp.
func (fs *FileStream) updateTimestamp(sample *IntegerDefinition) {
	l := sample.D.Len
	newLow := sample.Value()
	if l >= 64 {
		fs.Timestamp = newLow
		return
	}
	mask := (uint64(1) << l) - 1
	oldLow := fs.Timestamp & mask
	high := fs.Timestamp &^ mask
	if newLow < oldLow {
		newLow += uint64(1) << l
	}
	fs.Timestamp = high + newLow
}
