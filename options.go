// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package ctf

import (
	"os"

	"github.com/saferwall/ctf/log"
)

// DefaultMaxPacketHeaderLen is used when Options.MaxPacketHeaderLen is zero:
// one page, in bits, matching the original reader's getpagesize()*CHAR_BIT.
var DefaultMaxPacketHeaderLen = uint64(os.Getpagesize() * 8)

// MetadataBuilder turns assembled TSDL text into a trace type model. It is
// the seam between the reader core and the metadata collaborator: the core
// never imports a grammar/AST package, it only calls this function value.
type MetadataBuilder func(text string) (*TraceType, error)

// Options configures Open/OpenMmap. The zero value is valid; MetadataBuilder
// must be supplied by the caller (there is no default TSDL grammar wired
// into the core itself).
type Options struct {
	// MetadataBuilder turns the trace's assembled TSDL text into a
	// TraceType. Required.
	MetadataBuilder MetadataBuilder

	// MaxPacketHeaderLen bounds the provisional mapping used while
	// indexing packets, in bits. Defaults to one page.
	MaxPacketHeaderLen uint64

	// Logger receives warnings (such as an unexpected TSDL version) and
	// informational messages; errors are returned to the caller, not
	// logged. Defaults to a filtered stdout logger at LevelError.
	Logger log.Logger
}

func (o *Options) maxPacketHeaderLen() uint64 {
	if o == nil || o.MaxPacketHeaderLen == 0 {
		return DefaultMaxPacketHeaderLen
	}
	return o.MaxPacketHeaderLen
}

func (o *Options) logger() *log.Helper {
	if o != nil && o.Logger != nil {
		return log.NewHelper(o.Logger)
	}
	return log.NewHelper(log.NewFilter(log.NewStdLogger(os.Stdout), log.FilterLevel(log.LevelError)))
}

func (o *Options) metadataBuilder() MetadataBuilder {
	if o == nil {
		return nil
	}
	return o.MetadataBuilder
}
