// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package ctf

import (
	"strconv"

	"github.com/pkg/errors"
)

// codecFunc decodes one Decl, reading from cursor and resolving any
// sequence length / variant tag against scope starting at parentScope. ctx
// is the field name under which the result will be bound by the caller,
// used only for diagnostics.
type codecFunc func(cursor *BitCursor, decl Decl, scope *Scope, parentScope scopeID, ctx string) (Definition, error)

// readDispatch is indexed by Kind, mirroring the original reader's
// read_dispatch_table / the teacher's funcMaps table in ParseDataDirectories.
//
// Populated in init() rather than via a direct map literal: readStruct
// (and the decode path it calls) refers back to readDispatch, so a
// package-level initializer expression containing readStruct creates an
// initialization cycle by Go's dependency analysis.
var readDispatch map[Kind]codecFunc

func init() {
	readDispatch = map[Kind]codecFunc{
		KindInteger:  readInteger,
		KindFloat:    readFloatKind,
		KindEnum:     readEnum,
		KindString:   readString,
		KindStruct:   readStruct,
		KindVariant:  readVariant,
		KindArray:    readArray,
		KindSequence: readSequence,
	}
}

// decode dispatches decl to its codec function.
func decode(cursor *BitCursor, decl Decl, scope *Scope, parentScope scopeID, ctx string) (Definition, error) {
	fn, ok := readDispatch[decl.Kind()]
	if !ok {
		return nil, errors.Errorf("no decoder registered for kind %s", decl.Kind())
	}
	def, err := fn(cursor, decl, scope, parentScope, ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding field %q", ctx)
	}
	return def, nil
}

func readInteger(cursor *BitCursor, decl Decl, _ *Scope, _ scopeID, _ string) (Definition, error) {
	d := decl.(*IntegerDecl)
	def := &IntegerDefinition{D: d}
	if d.Signed {
		v, err := cursor.readInt(d)
		if err != nil {
			return nil, err
		}
		def.Signed = v
		def.Unsigned = uint64(v)
	} else {
		v, err := cursor.readUint(d)
		if err != nil {
			return nil, err
		}
		def.Unsigned = v
	}
	return def, nil
}

func readFloatKind(cursor *BitCursor, decl Decl, _ *Scope, _ scopeID, _ string) (Definition, error) {
	d := decl.(*FloatDecl)
	v, raw, err := cursor.readFloat(d)
	if err != nil {
		return nil, err
	}
	return &FloatDefinition{D: d, Value: v, Raw: raw}, nil
}

func readEnum(cursor *BitCursor, decl Decl, _ *Scope, _ scopeID, _ string) (Definition, error) {
	d := decl.(*EnumDecl)
	intDef, err := readInteger(cursor, d.Base, nil, noScope, "")
	if err != nil {
		return nil, err
	}
	iv := intDef.(*IntegerDefinition)
	return &EnumDefinition{D: d, Integer: iv, Label: d.Label(iv.Value())}, nil
}

func readString(cursor *BitCursor, decl Decl, _ *Scope, _ scopeID, _ string) (Definition, error) {
	d := decl.(*StringDecl)
	s, err := cursor.readStringNUL()
	if err != nil {
		return nil, err
	}
	return &StringDefinition{D: d, Value: s}, nil
}

func readStruct(cursor *BitCursor, decl Decl, scope *Scope, parentScope scopeID, _ string) (Definition, error) {
	d := decl.(*StructDecl)
	if err := cursor.align(d.Align); err != nil {
		return nil, err
	}
	self := scope.push(parentScope)
	def := &StructDefinition{D: d, scope: self, Fields: make([]DefinitionField, 0, len(d.Fields))}
	for _, f := range d.Fields {
		fd, err := decode(cursor, f.Decl, scope, self, f.Name)
		if err != nil {
			return nil, err
		}
		scope.bind(self, f.Name, fd)
		def.Fields = append(def.Fields, DefinitionField{Name: f.Name, Def: fd})
	}
	return def, nil
}

func readVariant(cursor *BitCursor, decl Decl, scope *Scope, parentScope scopeID, ctx string) (Definition, error) {
	d := decl.(*VariantDecl)
	tagLabel, err := resolveVariantTag(scope, parentScope, d.TagName)
	if err != nil {
		return nil, err
	}
	choice, ok := d.choiceByName(tagLabel)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownVariantChoice, "tag %q=%q has no matching arm in variant %q", d.TagName, tagLabel, ctx)
	}
	self := scope.push(parentScope)
	selected, err := decode(cursor, choice.Decl, scope, self, choice.Name)
	if err != nil {
		return nil, err
	}
	return &VariantDefinition{D: d, Tag: tagLabel, Selected: selected}, nil
}

// resolveVariantTag looks up name in scope (and ancestors) and returns the
// string that selects a variant arm: an enum's label, or the decimal string
// of a plain integer's value.
func resolveVariantTag(scope *Scope, parentScope scopeID, name string) (string, error) {
	def, ok := scope.lookup(parentScope, name)
	if !ok {
		return "", errors.Wrapf(ErrScopeVariableMissing, "variant tag %q not found in scope", name)
	}
	switch v := def.(type) {
	case *EnumDefinition:
		return v.Label, nil
	case *IntegerDefinition:
		return strconv.FormatUint(v.Value(), 10), nil
	default:
		return "", errors.Wrapf(ErrScopeVariableMissing, "variant tag %q resolved to a non-integer, non-enum field", name)
	}
}

func readArray(cursor *BitCursor, decl Decl, scope *Scope, parentScope scopeID, ctx string) (Definition, error) {
	d := decl.(*ArrayDecl)
	def := &ArrayDefinition{D: d, Elements: make([]Definition, 0, d.Length)}
	for i := uint32(0); i < d.Length; i++ {
		el, err := decode(cursor, d.Element, scope, parentScope, ctx)
		if err != nil {
			return nil, err
		}
		def.Elements = append(def.Elements, el)
	}
	return def, nil
}

func readSequence(cursor *BitCursor, decl Decl, scope *Scope, parentScope scopeID, ctx string) (Definition, error) {
	d := decl.(*SequenceDecl)
	lengthDef, ok := lookupInteger(scope, parentScope, d.LengthField)
	if !ok {
		return nil, errors.Wrapf(ErrScopeVariableMissing, "sequence length field %q not found in scope for %q", d.LengthField, ctx)
	}
	n := lengthDef.Value()
	def := &SequenceDefinition{D: d, Elements: make([]Definition, 0, n)}
	for i := uint64(0); i < n; i++ {
		el, err := decode(cursor, d.Element, scope, parentScope, ctx)
		if err != nil {
			return nil, err
		}
		def.Elements = append(def.Elements, el)
	}
	return def, nil
}

// AsArrayUUID reassembles a 16-byte array-of-u8 definition into a plain
// byte slice, used by the packet indexer to compare a packet header's uuid
// field against the trace UUID.
func AsArrayUUID(def Definition) ([]byte, bool) {
	arr, ok := def.(*ArrayDefinition)
	if !ok || len(arr.Elements) != 16 {
		return nil, false
	}
	out := make([]byte, 16)
	for i, el := range arr.Elements {
		iv, ok := el.(*IntegerDefinition)
		if !ok {
			return nil, false
		}
		out[i] = byte(iv.Value())
	}
	return out, true
}
