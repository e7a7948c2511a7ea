// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package metadata

import (
	"testing"

	"github.com/saferwall/ctf"
)

const sampleMetadata = `
/* CTF 1.8 */

trace {
	byte_order = le;
	major = 1;
	minor = 8;
	uuid = "2a6422d0-6cee-11e0-8c08-cb07d7b3a564";
	packet.header := struct {
		integer { size = 32; align = 32; signed = false; base = 16; } magic;
		integer { size = 8; align = 8; signed = false; } uuid[16];
		integer { size = 64; align = 8; signed = false; } stream_id;
	};
};

clock {
	name = monotonic;
	freq = 1000000000;
};

stream {
	id = 0;
	packet.context := struct {
		integer { size = 64; align = 8; signed = false; } timestamp_begin;
		integer { size = 64; align = 8; signed = false; } timestamp_end;
		integer { size = 64; align = 8; signed = false; } content_size;
		integer { size = 64; align = 8; signed = false; } packet_size;
	};
	event.header := struct {
		integer { size = 32; align = 8; signed = false; } id;
		integer { size = 64; align = 8; signed = false; } timestamp;
	};
};

event {
	name = "sched_switch";
	id = 0;
	stream_id = 0;
	fields := struct {
		integer { size = 32; align = 8; signed = true; } prev_pid;
		string comm;
	};
};
`

func TestBuild(t *testing.T) {
	tt, err := Build(sampleMetadata)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !tt.HasUUID {
		t.Fatalf("expected trace uuid to be set")
	}
	if got := tt.UUID.String(); got != "2a6422d0-6cee-11e0-8c08-cb07d7b3a564" {
		t.Fatalf("uuid = %q", got)
	}
	if tt.PacketHeaderDecl == nil {
		t.Fatalf("expected a packet header declaration")
	}
	if _, ok := tt.PacketHeaderDecl.FieldByName("magic"); !ok {
		t.Fatalf("packet header missing magic field")
	}

	sc, ok := tt.StreamByID(0)
	if !ok {
		t.Fatalf("expected stream id 0")
	}
	if sc.PacketContextDecl == nil || sc.EventHeaderDecl == nil {
		t.Fatalf("stream 0 missing packet context or event header")
	}

	ec, ok := sc.EventByID(0)
	if !ok {
		t.Fatalf("expected event id 0")
	}
	if ec.Name != "sched_switch" {
		t.Fatalf("event name = %q", ec.Name)
	}
	field, ok := ec.PayloadDecl.FieldByName("comm")
	if !ok {
		t.Fatalf("event payload missing comm field")
	}
	if field.Decl.Kind() != ctf.KindString {
		t.Fatalf("comm field kind = %v", field.Decl.Kind())
	}
}

func TestBuildEnum(t *testing.T) {
	text := `
trace {
	byte_order = le;
	major = 1;
	minor = 8;
};
stream {
	id = 0;
	event.header := struct {
		integer { size = 32; align = 8; signed = false; } id;
	};
};
event {
	name = "state_change";
	id = 0;
	stream_id = 0;
	fields := struct {
		enum : integer { size = 8; align = 8; signed = false; } {
			RUNNING = 0,
			BLOCKED = 1...3,
			DEAD = 4
		} state;
	};
};
`
	tt, err := Build(text)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	sc, _ := tt.StreamByID(0)
	ec, _ := sc.EventByID(0)
	field, ok := ec.PayloadDecl.FieldByName("state")
	if !ok {
		t.Fatalf("missing state field")
	}
	ed, ok := field.Decl.(*ctf.EnumDecl)
	if !ok {
		t.Fatalf("state field is not an enum, got %T", field.Decl)
	}
	if got := ed.Label(2); got != "BLOCKED" {
		t.Fatalf("Label(2) = %q, want BLOCKED", got)
	}
	if got := ed.Label(4); got != "DEAD" {
		t.Fatalf("Label(4) = %q, want DEAD", got)
	}
}

func TestBuildVariantAndSequence(t *testing.T) {
	text := `
trace {
	byte_order = le;
	major = 1;
	minor = 8;
};
stream {
	id = 0;
	event.header := struct {
		integer { size = 32; align = 8; signed = false; } id;
	};
};
event {
	name = "payload_event";
	id = 0;
	stream_id = 0;
	fields := struct {
		integer { size = 8; align = 8; signed = false; } tag;
		integer { size = 16; align = 8; signed = false; } len;
		integer { size = 8; align = 8; signed = false; } data[len];
		variant<tag> {
			small: integer { size = 8; align = 8; signed = false; };
			large: integer { size = 64; align = 8; signed = false; };
		} v;
	};
};
`
	tt, err := Build(text)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	sc, _ := tt.StreamByID(0)
	ec, _ := sc.EventByID(0)

	dataField, ok := ec.PayloadDecl.FieldByName("data")
	if !ok {
		t.Fatalf("missing data field")
	}
	seq, ok := dataField.Decl.(*ctf.SequenceDecl)
	if !ok {
		t.Fatalf("data field is not a sequence, got %T", dataField.Decl)
	}
	if seq.LengthField != "len" {
		t.Fatalf("sequence length field = %q, want len", seq.LengthField)
	}

	vField, ok := ec.PayloadDecl.FieldByName("v")
	if !ok {
		t.Fatalf("missing v field")
	}
	vd, ok := vField.Decl.(*ctf.VariantDecl)
	if !ok {
		t.Fatalf("v field is not a variant, got %T", vField.Decl)
	}
	if vd.TagName != "tag" || len(vd.Choices) != 2 {
		t.Fatalf("unexpected variant: tag=%q choices=%d", vd.TagName, len(vd.Choices))
	}
}

func TestBuildRejectsSignedTimestamp(t *testing.T) {
	text := `
trace {
	byte_order = le;
	major = 1;
	minor = 8;
};
stream {
	id = 0;
	event.header := struct {
		integer { size = 32; align = 8; signed = false; } id;
		integer { size = 64; align = 8; signed = true; } timestamp;
	};
};
`
	_, err := Build(text)
	if err == nil {
		t.Fatalf("expected an error for a signed timestamp field")
	}
}

func TestBuildRejectsMalformedInput(t *testing.T) {
	cases := []string{
		"trace { byte_order = le; ",
		"stream { id = 0; event.header := struct { bogus_type x; }; };",
		"bananas",
	}
	for _, text := range cases {
		if _, err := Build(text); err == nil {
			t.Errorf("Build(%q): expected error, got nil", text)
		}
	}
}
