// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package metadata

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/saferwall/ctf"
)

// parser is a one-token-lookahead recursive-descent parser over a TSDL-
// subset document.
type parser struct {
	lex *lexer
	tok token
}

func newParser(s string) *parser {
	p := &parser{lex: newLexer(s)}
	p.advance()
	return p
}

func (p *parser) advance() { p.tok = p.lex.next() }

func (p *parser) atPunct(s string) bool { return p.tok.kind == tokPunct && p.tok.text == s }

func (p *parser) expectPunct(s string) error {
	if !p.atPunct(s) {
		return errors.Errorf("offset %d: expected %q, got %q", p.tok.pos, s, p.tok.text)
	}
	p.advance()
	return nil
}

func (p *parser) expectIdent() (string, error) {
	if p.tok.kind != tokIdent {
		return "", errors.Errorf("offset %d: expected identifier, got %q", p.tok.pos, p.tok.text)
	}
	s := p.tok.text
	p.advance()
	return s, nil
}

func (p *parser) expectNumber() (uint64, error) {
	if p.tok.kind != tokNumber {
		return 0, errors.Errorf("offset %d: expected number, got %q", p.tok.pos, p.tok.text)
	}
	n := p.tok.num
	p.advance()
	return n, nil
}

func (p *parser) expectString() (string, error) {
	if p.tok.kind != tokString {
		return "", errors.Errorf("offset %d: expected string literal, got %q", p.tok.pos, p.tok.text)
	}
	s := p.tok.text
	p.advance()
	return s, nil
}

// streamBuilder accumulates one stream block's attributes while its own
// event blocks are still being discovered elsewhere in the document.
type streamBuilder struct {
	id            uint64
	packetContext *ctf.StructDecl
	eventHeader   *ctf.StructDecl
	eventContext  *ctf.StructDecl
	events        map[uint64]*ctf.EventClass
}

// builder accumulates a whole document's trace/stream/event/typealias
// blocks before assembling them into a *ctf.TraceType at the end.
type builder struct {
	byteOrder binary.ByteOrder
	hasUUID   bool
	uuid      uuid.UUID
	major     uint32
	minor     uint32

	packetHeader *ctf.StructDecl

	streamOrder []uint64
	streams     map[uint64]*streamBuilder

	aliases map[string]ctf.Decl
}

func newBuilder() *builder {
	return &builder{
		byteOrder: binary.LittleEndian,
		streams:   map[uint64]*streamBuilder{},
		aliases:   map[string]ctf.Decl{},
	}
}

func parseByteOrder(v string) binary.ByteOrder {
	if v == "be" || v == "big_endian" || v == "network" {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func (b *builder) parseTrace(p *parser) error {
	if err := p.expectPunct("{"); err != nil {
		return err
	}
	for !p.atPunct("}") {
		name, err := p.expectIdent()
		if err != nil {
			return err
		}
		switch name {
		case "byte_order":
			if err := p.expectPunct("="); err != nil {
				return err
			}
			v, err := p.expectIdent()
			if err != nil {
				return err
			}
			b.byteOrder = parseByteOrder(v)
		case "uuid":
			if err := p.expectPunct("="); err != nil {
				return err
			}
			s, err := p.expectString()
			if err != nil {
				return err
			}
			id, err := uuid.Parse(s)
			if err != nil {
				return errors.Wrapf(err, "trace uuid %q", s)
			}
			b.uuid, b.hasUUID = id, true
		case "major":
			if err := p.expectPunct("="); err != nil {
				return err
			}
			n, err := p.expectNumber()
			if err != nil {
				return err
			}
			b.major = uint32(n)
		case "minor":
			if err := p.expectPunct("="); err != nil {
				return err
			}
			n, err := p.expectNumber()
			if err != nil {
				return err
			}
			b.minor = uint32(n)
		case "packet.header":
			if err := p.expectPunct(":="); err != nil {
				return err
			}
			decl, err := b.parseTypeExpr(p)
			if err != nil {
				return err
			}
			sd, ok := decl.(*ctf.StructDecl)
			if !ok {
				return errors.New("trace.packet.header must be a struct")
			}
			b.packetHeader = sd
		default:
			return errors.Errorf("unknown trace attribute %q", name)
		}
		if err := p.expectPunct(";"); err != nil {
			return err
		}
	}
	p.advance() // "}"
	if p.atPunct(";") {
		p.advance()
	}
	return nil
}

func (b *builder) parseStream(p *parser) error {
	if err := p.expectPunct("{"); err != nil {
		return err
	}
	sb := &streamBuilder{events: map[uint64]*ctf.EventClass{}}
	for !p.atPunct("}") {
		name, err := p.expectIdent()
		if err != nil {
			return err
		}
		switch name {
		case "id":
			if err := p.expectPunct("="); err != nil {
				return err
			}
			n, err := p.expectNumber()
			if err != nil {
				return err
			}
			sb.id = n
		case "packet.context", "event.header", "event.context":
			if err := p.expectPunct(":="); err != nil {
				return err
			}
			decl, err := b.parseTypeExpr(p)
			if err != nil {
				return err
			}
			sd, ok := decl.(*ctf.StructDecl)
			if !ok {
				return errors.Errorf("stream.%s must be a struct", name)
			}
			switch name {
			case "packet.context":
				sb.packetContext = sd
			case "event.header":
				sb.eventHeader = sd
			case "event.context":
				sb.eventContext = sd
			}
		default:
			return errors.Errorf("unknown stream attribute %q", name)
		}
		if err := p.expectPunct(";"); err != nil {
			return err
		}
	}
	p.advance() // "}"
	if p.atPunct(";") {
		p.advance()
	}
	if _, exists := b.streams[sb.id]; !exists {
		b.streamOrder = append(b.streamOrder, sb.id)
	}
	b.streams[sb.id] = sb
	return nil
}

func (b *builder) parseEvent(p *parser) error {
	if err := p.expectPunct("{"); err != nil {
		return err
	}
	ec := &ctf.EventClass{}
	var streamID uint64
	for !p.atPunct("}") {
		name, err := p.expectIdent()
		if err != nil {
			return err
		}
		switch name {
		case "id":
			if err := p.expectPunct("="); err != nil {
				return err
			}
			n, err := p.expectNumber()
			if err != nil {
				return err
			}
			ec.ID = n
		case "name":
			if err := p.expectPunct("="); err != nil {
				return err
			}
			s, err := p.expectString()
			if err != nil {
				return err
			}
			ec.Name = s
		case "stream_id":
			if err := p.expectPunct("="); err != nil {
				return err
			}
			n, err := p.expectNumber()
			if err != nil {
				return err
			}
			streamID = n
		case "context", "fields":
			if err := p.expectPunct(":="); err != nil {
				return err
			}
			decl, err := b.parseTypeExpr(p)
			if err != nil {
				return err
			}
			sd, ok := decl.(*ctf.StructDecl)
			if !ok {
				return errors.Errorf("event.%s must be a struct", name)
			}
			if name == "context" {
				ec.ContextDecl = sd
			} else {
				ec.PayloadDecl = sd
			}
		default:
			return errors.Errorf("unknown event attribute %q", name)
		}
		if err := p.expectPunct(";"); err != nil {
			return err
		}
	}
	p.advance() // "}"
	if p.atPunct(";") {
		p.advance()
	}
	sb, ok := b.streams[streamID]
	if !ok {
		return errors.Errorf("event %q references undeclared stream id %d", ec.Name, streamID)
	}
	sb.events[ec.ID] = ec
	return nil
}

// parseTypealias parses "typealias <typeExpr> := <name>;" and records name
// as an alias usable anywhere a type is expected from then on.
func (b *builder) parseTypealias(p *parser) error {
	decl, err := b.parseTypeExpr(p)
	if err != nil {
		return err
	}
	if err := p.expectPunct(":="); err != nil {
		return err
	}
	name, err := p.expectIdent()
	if err != nil {
		return err
	}
	b.aliases[name] = decl
	if err := p.expectPunct(";"); err != nil {
		return err
	}
	return nil
}

// skipBlock discards an already-opened "{ ... }" block (and a trailing
// ";", if any) without interpreting it, for top-level blocks this decoder
// doesn't model such as "env".
func skipBlock(p *parser) error {
	if err := p.expectPunct("{"); err != nil {
		return err
	}
	depth := 1
	for depth > 0 {
		if p.tok.kind == tokEOF {
			return errors.New("unterminated block")
		}
		if p.atPunct("{") {
			depth++
		} else if p.atPunct("}") {
			depth--
		}
		p.advance()
	}
	if p.atPunct(";") {
		p.advance()
	}
	return nil
}

// parseTypeExpr parses one type expression: a primitive with its
// attribute block, a struct, a variant, an enum, or a reference to a
// previously declared typealias.
func (b *builder) parseTypeExpr(p *parser) (ctf.Decl, error) {
	kw, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	switch kw {
	case "integer":
		return b.parseIntegerAttrs(p)
	case "floating_point":
		return b.parseFloatAttrs(p)
	case "string":
		align := uint32(8)
		if p.atPunct("{") {
			p.advance()
			for !p.atPunct("}") {
				attr, err := p.expectIdent()
				if err != nil {
					return nil, err
				}
				if err := p.expectPunct("="); err != nil {
					return nil, err
				}
				if attr == "align" {
					n, err := p.expectNumber()
					if err != nil {
						return nil, err
					}
					align = uint32(n)
				} else if err := skipAttrValue(p); err != nil {
					return nil, err
				}
				if err := p.expectPunct(";"); err != nil {
					return nil, err
				}
			}
			p.advance() // "}"
		}
		return &ctf.StringDecl{Align: align}, nil
	case "struct":
		return b.parseStructBody(p)
	case "variant":
		return b.parseVariantBody(p)
	case "enum":
		return b.parseEnumBody(p)
	default:
		if decl, ok := b.aliases[kw]; ok {
			return decl, nil
		}
		return nil, errors.Errorf("unknown type %q", kw)
	}
}

func (b *builder) parseIntegerAttrs(p *parser) (*ctf.IntegerDecl, error) {
	if err := p.expectPunct("{"); err != nil {
		return nil, err
	}
	d := &ctf.IntegerDecl{Align: 8, ByteOrder: b.byteOrder, Base: 10}
	for !p.atPunct("}") {
		attr, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		if err := p.expectPunct("="); err != nil {
			return nil, err
		}
		switch attr {
		case "size":
			n, err := p.expectNumber()
			if err != nil {
				return nil, err
			}
			d.Len = uint32(n)
		case "align":
			n, err := p.expectNumber()
			if err != nil {
				return nil, err
			}
			d.Align = uint32(n)
		case "signed":
			v, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			d.Signed = v == "true" || v == "1"
		case "byte_order":
			v, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			d.ByteOrder = parseByteOrder(v)
		case "base":
			n, err := p.expectNumber()
			if err != nil {
				return nil, err
			}
			d.Base = int(n)
		default:
			if err := skipAttrValue(p); err != nil {
				return nil, err
			}
		}
		if err := p.expectPunct(";"); err != nil {
			return nil, err
		}
	}
	p.advance() // "}"
	if d.Len == 0 {
		return nil, errors.New("integer type is missing its size attribute")
	}
	return d, nil
}

func (b *builder) parseFloatAttrs(p *parser) (*ctf.FloatDecl, error) {
	if err := p.expectPunct("{"); err != nil {
		return nil, err
	}
	d := &ctf.FloatDecl{Align: 8, ByteOrder: b.byteOrder}
	for !p.atPunct("}") {
		attr, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		if err := p.expectPunct("="); err != nil {
			return nil, err
		}
		switch attr {
		case "exp_dig":
			n, err := p.expectNumber()
			if err != nil {
				return nil, err
			}
			d.ExpLen = uint32(n)
		case "mant_dig":
			n, err := p.expectNumber()
			if err != nil {
				return nil, err
			}
			d.MantLen = uint32(n) - 1 // CTF counts the implicit leading bit; Bits() re-adds it
		case "align":
			n, err := p.expectNumber()
			if err != nil {
				return nil, err
			}
			d.Align = uint32(n)
		case "byte_order":
			v, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			d.ByteOrder = parseByteOrder(v)
		default:
			if err := skipAttrValue(p); err != nil {
				return nil, err
			}
		}
		if err := p.expectPunct(";"); err != nil {
			return nil, err
		}
	}
	p.advance() // "}"
	return d, nil
}

func (b *builder) parseStructBody(p *parser) (*ctf.StructDecl, error) {
	if err := p.expectPunct("{"); err != nil {
		return nil, err
	}
	sd := &ctf.StructDecl{Align: 8}
	for !p.atPunct("}") {
		decl, name, err := b.parseFieldDecl(p)
		if err != nil {
			return nil, err
		}
		sd.Fields = append(sd.Fields, ctf.StructField{Name: name, Decl: decl})
		if a := declAlign(decl); a > sd.Align {
			sd.Align = a
		}
	}
	p.advance() // "}"
	if p.tok.kind == tokIdent && p.tok.text == "align" {
		p.advance()
		if err := p.expectPunct("("); err != nil {
			return nil, err
		}
		n, err := p.expectNumber()
		if err != nil {
			return nil, err
		}
		if err := p.expectPunct(")"); err != nil {
			return nil, err
		}
		sd.Align = uint32(n)
	}
	return sd, nil
}

func (b *builder) parseVariantBody(p *parser) (*ctf.VariantDecl, error) {
	if err := p.expectPunct("<"); err != nil {
		return nil, err
	}
	tag, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	if err := p.expectPunct(">"); err != nil {
		return nil, err
	}
	if err := p.expectPunct("{"); err != nil {
		return nil, err
	}
	vd := &ctf.VariantDecl{TagName: tag}
	for !p.atPunct("}") {
		name, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		if err := p.expectPunct(":"); err != nil {
			return nil, err
		}
		decl, err := b.parseTypeExpr(p)
		if err != nil {
			return nil, err
		}
		if err := p.expectPunct(";"); err != nil {
			return nil, err
		}
		vd.Choices = append(vd.Choices, ctf.VariantChoice{Name: name, Decl: decl})
	}
	p.advance() // "}"
	return vd, nil
}

func (b *builder) parseEnumBody(p *parser) (*ctf.EnumDecl, error) {
	if err := p.expectPunct(":"); err != nil {
		return nil, err
	}
	base, err := b.parseTypeExpr(p)
	if err != nil {
		return nil, err
	}
	baseInt, ok := base.(*ctf.IntegerDecl)
	if !ok {
		return nil, errors.New("enum base type must be an integer")
	}
	if err := p.expectPunct("{"); err != nil {
		return nil, err
	}
	ed := &ctf.EnumDecl{Base: baseInt}
	var nextValue uint64
	for !p.atPunct("}") {
		label, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		lo := nextValue
		if p.atPunct("=") {
			p.advance()
			lo, err = p.expectNumber()
			if err != nil {
				return nil, err
			}
		}
		hi := lo
		if p.atPunct("...") {
			p.advance()
			hi, err = p.expectNumber()
			if err != nil {
				return nil, err
			}
		}
		ed.Ranges = append(ed.Ranges, ctf.EnumRange{Low: lo, High: hi, Label: label})
		nextValue = hi + 1
		if p.atPunct(",") {
			p.advance()
			continue
		}
		break
	}
	if err := p.expectPunct("}"); err != nil {
		return nil, err
	}
	return ed, nil
}

// parseFieldDecl parses "<typeExpr> <name>(\[length\])*;" and returns the
// field's declaration (wrapped in ArrayDecl/SequenceDecl per suffix) and
// its name.
func (b *builder) parseFieldDecl(p *parser) (ctf.Decl, string, error) {
	decl, err := b.parseTypeExpr(p)
	if err != nil {
		return nil, "", err
	}
	name, err := p.expectIdent()
	if err != nil {
		return nil, "", err
	}
	// Collect the bracket suffixes left to right, then wrap decl from the
	// last one back to the first: "foo[a][b]" declares a is the outer
	// dimension, so the [a] wrap must end up outside the [b] wrap.
	type suffix struct {
		isSeq    bool
		length   uint32
		lenField string
	}
	var suffixes []suffix
	for p.atPunct("[") {
		p.advance()
		if p.tok.kind == tokNumber {
			n := p.tok.num
			p.advance()
			suffixes = append(suffixes, suffix{length: uint32(n)})
		} else {
			lenField, err := p.expectIdent()
			if err != nil {
				return nil, "", err
			}
			suffixes = append(suffixes, suffix{isSeq: true, lenField: lenField})
		}
		if err := p.expectPunct("]"); err != nil {
			return nil, "", err
		}
	}
	for i := len(suffixes) - 1; i >= 0; i-- {
		s := suffixes[i]
		if s.isSeq {
			decl = &ctf.SequenceDecl{LengthField: s.lenField, Element: decl}
		} else {
			decl = &ctf.ArrayDecl{Length: s.length, Element: decl}
		}
	}
	if err := p.expectPunct(";"); err != nil {
		return nil, "", err
	}
	return decl, name, nil
}

// skipAttrValue discards one attribute value this decoder doesn't
// recognize, e.g. a "map = clock.monotonic.value;" clock-mapping hint.
func skipAttrValue(p *parser) error {
	if p.tok.kind == tokEOF {
		return errors.New("unexpected end of input in attribute value")
	}
	p.advance()
	return nil
}

// declAlign returns a declaration's own alignment, in bits, used to fold a
// struct's alignment up from its fields as they're parsed.
func declAlign(d ctf.Decl) uint32 {
	switch v := d.(type) {
	case *ctf.IntegerDecl:
		return v.Align
	case *ctf.FloatDecl:
		return v.Align
	case *ctf.EnumDecl:
		return v.Base.Align
	case *ctf.StringDecl:
		return v.Align
	case *ctf.StructDecl:
		return v.Align
	case *ctf.ArrayDecl:
		return declAlign(v.Element)
	case *ctf.SequenceDecl:
		return declAlign(v.Element)
	default:
		return 8
	}
}
