// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package metadata is a hand-written decoder for the subset of the Trace
// Stream Description Language a reader needs to build a trace's type
// model: integer, floating_point, string, struct, variant, and enum
// declarations; trace, stream, event, and clock blocks; and typealias.
//
// It knows nothing about bit cursors or packet files; its only job is
// turning TSDL source text into a *ctf.TraceType, which is why it lives
// in its own package and is wired into the reader core only through the
// ctf.MetadataBuilder function value, never through a direct import.
package metadata

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/saferwall/ctf"
)

// Build parses text as a TSDL document and returns the trace type model it
// describes. text may carry a leading "/* CTF 1.8 ... */" comment, as a
// plain-text metadata file does; the parser treats it as any other
// comment and skips it.
func Build(text string) (*ctf.TraceType, error) {
	p := newParser(text)
	b := newBuilder()

	for p.tok.kind != tokEOF {
		kw, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		switch kw {
		case "trace":
			if err := b.parseTrace(p); err != nil {
				return nil, errors.Wrap(err, "parsing trace block")
			}
		case "stream":
			if err := b.parseStream(p); err != nil {
				return nil, errors.Wrap(err, "parsing stream block")
			}
		case "event":
			if err := b.parseEvent(p); err != nil {
				return nil, errors.Wrap(err, "parsing event block")
			}
		case "clock":
			// Recognized and skipped: the reader core reconstructs a
			// stream's running timestamp from truncated clock samples but
			// has no use for wall-clock calibration (frequency, offset).
			if err := skipBlock(p); err != nil {
				return nil, errors.Wrap(err, "parsing clock block")
			}
		case "typealias":
			if err := b.parseTypealias(p); err != nil {
				return nil, errors.Wrap(err, "parsing typealias")
			}
		default:
			if !p.atPunct("{") {
				return nil, errors.Errorf("unknown top-level block %q", kw)
			}
			if err := skipBlock(p); err != nil {
				return nil, errors.Wrapf(err, "parsing %q block", kw)
			}
		}
	}

	tt, err := b.finish()
	if err != nil {
		return nil, err
	}
	if err := validateSignedClocks(tt); err != nil {
		return nil, err
	}
	return tt, nil
}

func (b *builder) finish() (*ctf.TraceType, error) {
	order := b.byteOrder
	if order == nil {
		order = binary.LittleEndian
	}
	tt := &ctf.TraceType{
		ByteOrder:        order,
		UUID:             b.uuid,
		HasUUID:          b.hasUUID,
		PacketHeaderDecl: b.packetHeader,
		MajorVersion:     b.major,
		MinorVersion:     b.minor,
	}
	if len(b.streamOrder) == 0 {
		return tt, nil
	}

	var maxID uint64
	for id := range b.streams {
		if id > maxID {
			maxID = id
		}
	}
	tt.Streams = make([]*ctf.StreamClass, maxID+1)
	for id, sb := range b.streams {
		sc := &ctf.StreamClass{
			ID:                sb.id,
			PacketContextDecl: sb.packetContext,
			EventHeaderDecl:   sb.eventHeader,
			EventContextDecl:  sb.eventContext,
		}
		if len(sb.events) > 0 {
			var maxEventID uint64
			for eid := range sb.events {
				if eid > maxEventID {
					maxEventID = eid
				}
			}
			sc.EventsByID = make([]*ctf.EventClass, maxEventID+1)
			for eid, ec := range sb.events {
				sc.EventsByID[eid] = ec
			}
		}
		tt.Streams[id] = sc
	}
	return tt, nil
}

// validateSignedClocks rejects a trace whose event header models its id or
// timestamp field (directly, or inside the "v" variant the CTF convention
// uses for a compressed event header) as a signed integer: the running
// timestamp reconstruction in the reader core assumes an unsigned,
// monotonically-wrapping counter.
func validateSignedClocks(tt *ctf.TraceType) error {
	for _, sc := range tt.Streams {
		if sc == nil || sc.EventHeaderDecl == nil {
			continue
		}
		for _, field := range []string{"id", "timestamp"} {
			if err := checkFieldNotSigned(sc.EventHeaderDecl, field); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkFieldNotSigned(s *ctf.StructDecl, name string) error {
	if f, ok := s.FieldByName(name); ok {
		return checkDeclNotSigned(f.Decl, name)
	}
	vf, ok := s.FieldByName("v")
	if !ok {
		return nil
	}
	variant, ok := vf.Decl.(*ctf.VariantDecl)
	if !ok {
		return nil
	}
	for _, choice := range variant.Choices {
		inner, ok := choice.Decl.(*ctf.StructDecl)
		if !ok {
			continue
		}
		if f, ok := inner.FieldByName(name); ok {
			if err := checkDeclNotSigned(f.Decl, name); err != nil {
				return errors.Wrapf(err, "inside variant arm %q", choice.Name)
			}
		}
	}
	return nil
}

func checkDeclNotSigned(d ctf.Decl, name string) error {
	if i, ok := d.(*ctf.IntegerDecl); ok && i.Signed {
		return errors.Wrapf(ctf.ErrSignedClockUnsupported, "event header field %q", name)
	}
	return nil
}
