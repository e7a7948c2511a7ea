// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package ctf

import "encoding/binary"

// Kind identifies the shape of a declaration, mirroring CTF_TYPE_* in the
// original C implementation. Declarations are supplied by the metadata
// collaborator and are never mutated once a trace is open.
type Kind int

const (
	KindInteger Kind = iota
	KindFloat
	KindEnum
	KindString
	KindStruct
	KindVariant
	KindArray
	KindSequence
)

func (k Kind) String() string {
	switch k {
	case KindInteger:
		return "integer"
	case KindFloat:
		return "float"
	case KindEnum:
		return "enum"
	case KindString:
		return "string"
	case KindStruct:
		return "struct"
	case KindVariant:
		return "variant"
	case KindArray:
		return "array"
	case KindSequence:
		return "sequence"
	default:
		return "unknown"
	}
}

// Decl is the static type of a field. The decoder only ever reads from a
// Decl; it is built once by the metadata collaborator and shared by every
// definition instantiated from it.
type Decl interface {
	Kind() Kind
}

// IntegerDecl describes a bit-packed integer field.
type IntegerDecl struct {
	Len       uint32 // width in bits, 1..64
	Align     uint32 // alignment in bits, >= 1
	Signed    bool
	ByteOrder binary.ByteOrder
	Base      int // display base (2, 8, 10, 16); informational only
}

func (*IntegerDecl) Kind() Kind { return KindInteger }

// FloatDecl describes an IEEE-754 bit-packed float field.
type FloatDecl struct {
	ExpLen    uint32
	MantLen   uint32 // stored mantissa bits: CTF's mant_dig minus the implicit leading bit
	Align     uint32
	ByteOrder binary.ByteOrder
}

func (*FloatDecl) Kind() Kind { return KindFloat }

// Bits is the total width of the underlying integer carrying the float.
func (f *FloatDecl) Bits() uint32 { return f.ExpLen + f.MantLen + 1 }

// EnumRange is one [Low, High] interval of an enum's value table.
type EnumRange struct {
	Low, High uint64
	Label     string
}

// EnumDecl describes an integer with a label table.
type EnumDecl struct {
	Base   *IntegerDecl
	Ranges []EnumRange
}

func (*EnumDecl) Kind() Kind { return KindEnum }

// Label returns the label whose range contains v, or "" if none matches.
func (e *EnumDecl) Label(v uint64) string {
	for _, r := range e.Ranges {
		if v >= r.Low && v <= r.High {
			return r.Label
		}
	}
	return ""
}

// StringDecl describes a NUL-terminated byte string. CTF strings are always
// byte-aligned; Align is kept explicit so a struct can still compute its own
// alignment generically over heterogeneous fields.
type StringDecl struct {
	Align uint32
}

func (*StringDecl) Kind() Kind { return KindString }

// StructField is one named, ordered member of a StructDecl.
type StructField struct {
	Name string
	Decl Decl
}

// StructDecl describes a sequence of named fields read in declared order.
// Align is the max of the fields' alignments; it is computed once by the
// metadata collaborator (see the metadata package's parseStructBody) rather than
// recomputed on every decode.
type StructDecl struct {
	Fields []StructField
	Align  uint32
}

func (*StructDecl) Kind() Kind { return KindStruct }

// FieldByName returns the declared field named name, or ok=false.
func (s *StructDecl) FieldByName(name string) (StructField, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return StructField{}, false
}

// VariantChoice is one named arm of a VariantDecl.
type VariantChoice struct {
	Name string
	Decl Decl
}

// VariantDecl describes a tagged union: TagName names an integer or enum
// field, visible in an enclosing scope, whose value (for enum: its label)
// selects one of Choices by name.
type VariantDecl struct {
	TagName string
	Choices []VariantChoice
}

func (*VariantDecl) Kind() Kind { return KindVariant }

func (v *VariantDecl) choiceByName(name string) (VariantChoice, bool) {
	for _, c := range v.Choices {
		if c.Name == name {
			return c, true
		}
	}
	return VariantChoice{}, false
}

// ArrayDecl describes a fixed-length homogeneous sequence.
type ArrayDecl struct {
	Length  uint32
	Element Decl
}

func (*ArrayDecl) Kind() Kind { return KindArray }

// SequenceDecl describes a variable-length homogeneous sequence whose
// length is resolved at decode time against a named integer field visible
// in an enclosing scope.
type SequenceDecl struct {
	LengthField string
	Element     Decl
}

func (*SequenceDecl) Kind() Kind { return KindSequence }
