// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package ctf

import "errors"

// Sentinel errors. Every fatal condition the reader raises wraps one of
// these with github.com/pkg/errors so a caller can still recover the
// sentinel via errors.Is/errors.Cause while getting a diagnostic message
// that names the offending file, packet, or field.
var (
	// Format errors.
	ErrBadMagic            = errors.New("bad packet magic")
	ErrUUIDMismatch        = errors.New("packet UUID does not match trace UUID")
	ErrUnsupportedScheme   = errors.New("unsupported compression, encryption, or checksum scheme")
	ErrStreamIDChanged     = errors.New("stream id changed mid-file")
	ErrUnknownStreamID     = errors.New("stream id is not declared in metadata")
	ErrUnknownEventID      = errors.New("event id is unknown")
	ErrSizeInvariant       = errors.New("packet content_size/packet_size invariant violated")
	ErrTSDLHeaderMalformed = errors.New("malformed \"/* CTF x.y\" text metadata header")

	// I/O errors.
	ErrTooSmall = errors.New("file is smaller than the minimum packet header size")

	// Semantic errors.
	ErrScopeVariableMissing   = errors.New("declared type needs a scope variable that is missing")
	ErrSignedClockUnsupported = errors.New("signed clock/timestamp fields are not supported")
	ErrUnknownVariantChoice   = errors.New("variant tag selects a choice that does not exist")
)
