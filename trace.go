// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package ctf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/saferwall/ctf/log"
)

// MetadataMagic marks a packetized (as opposed to plain-text) metadata
// stream, in either byte order.
const MetadataMagic uint32 = 0x75D11D57

// metadataHeaderSize is the on-disk size, in bytes, of metadataPacketHeader.
// The metadata packet framing format is fixed by CTF itself, not by the
// trace's own metadata, so unlike every other struct in this reader it is
// decoded with a plain encoding/binary.Read instead of the generic codec.
const metadataHeaderSize = 37

type metadataPacketHeader struct {
	Magic             uint32
	UUID              [16]byte
	Checksum          uint32
	ContentSizeBits   uint32
	PacketSizeBits    uint32
	CompressionScheme uint8
	EncryptionScheme  uint8
	ChecksumScheme    uint8
	Major             uint8
	Minor             uint8
}

// Trace is one open CTF trace directory: its type model, its UUID (shared
// by every packet of every stream, if declared), the per-process directory
// fields the original reader derives from the trace's own path, and the
// file streams found inside it.
type Trace struct {
	Path     string
	Domain   string
	Procname string
	Vpid     string

	Type *TraceType

	uuid    uuid.UUID
	hasUUID bool

	Streams []*FileStream

	opts *Options
}

// HasUUID reports whether the trace has a UUID, either declared by its
// metadata text, adopted from its metadata packet headers, or adopted from
// the first data packet header it read.
func (t *Trace) HasUUID() bool { return t.hasUUID }

// UUID returns the trace's UUID. Only meaningful if HasUUID is true.
func (t *Trace) UUID() uuid.UUID { return t.uuid }

// setUUIDBytes adopts raw as the trace's UUID. Called when the trace has
// none yet and either its metadata packets or a data packet header supply
// a uuid.
func (t *Trace) setUUIDBytes(raw []byte) error {
	id, err := uuid.FromBytes(raw)
	if err != nil {
		return errors.Wrap(err, "parsing packet uuid field")
	}
	t.uuid = id
	t.hasUUID = true
	return nil
}

// Open opens the trace directory at path (resolved against collectionPath
// if relative), parses its metadata, and indexes every stream file it
// contains.
func Open(collectionPath, path string, opts *Options) (*Trace, error) {
	builder := opts.metadataBuilder()
	if builder == nil {
		return nil, errors.New("Options.MetadataBuilder is required to open a trace")
	}
	logger := opts.logger()

	dir := path
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(collectionPath, path)
	}

	text, uuidBytes, hasPacketUUID, err := readMetadataFile(filepath.Join(dir, "metadata"), logger)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: reading metadata", dir)
	}
	tt, err := builder(text)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: building trace type from metadata", dir)
	}

	trace := &Trace{
		Path: dir,
		Type: tt,
		opts: opts,
	}
	trace.Domain = deriveDomain(collectionPath, dir)
	trace.Procname, trace.Vpid = deriveProcnameVpid(dir)

	if tt.HasUUID {
		trace.uuid = tt.UUID
		trace.hasUUID = true
	} else if hasPacketUUID {
		if err := trace.setUUIDBytes(uuidBytes); err != nil {
			return nil, errors.Wrapf(err, "%s: metadata packet uuid", dir)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: listing stream files", dir)
	}
	dirHandle, err := os.Open(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: opening trace directory", dir)
	}
	defer dirHandle.Close()

	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || e.Name() == "metadata" {
			continue
		}
		fs, err := openFileStream(trace, dirHandle, e.Name(), opts.maxPacketHeaderLen())
		if err != nil {
			_ = trace.Close()
			return nil, err
		}
		trace.Streams = append(trace.Streams, fs)
	}

	logger.Infof("opened trace %s: domain=%q procname=%q vpid=%q streams=%d", dir, trace.Domain, trace.Procname, trace.Vpid, len(trace.Streams))
	return trace, nil
}

// MmapStream is one already-mapped buffer handed to OpenMmap in place of a
// file: either the trace's metadata (named "metadata") or one data stream.
type MmapStream struct {
	Name string
	Data []byte
}

// OpenMmap opens a trace from in-memory buffers instead of a directory,
// for embedders and test/fuzz harnesses that already have the bytes
// mapped. Exactly one entry of streams must be named "metadata".
func OpenMmap(streams []MmapStream, opts *Options) (*Trace, error) {
	builder := opts.metadataBuilder()
	if builder == nil {
		return nil, errors.New("Options.MetadataBuilder is required to open a trace")
	}

	var metadataText string
	var found bool
	for _, s := range streams {
		if s.Name == "metadata" {
			metadataText = string(s.Data)
			found = true
			break
		}
	}
	if !found {
		return nil, errors.New(`OpenMmap: no stream named "metadata" supplied`)
	}

	tt, err := builder(metadataText)
	if err != nil {
		return nil, errors.Wrap(err, "building trace type from metadata")
	}

	trace := &Trace{Path: "<mmap>", Type: tt, opts: opts}
	if tt.HasUUID {
		trace.uuid = tt.UUID
		trace.hasUUID = true
	}

	for _, s := range streams {
		if s.Name == "metadata" {
			continue
		}
		fs, err := openMmapStream(trace, s.Name, s.Data, opts.maxPacketHeaderLen())
		if err != nil {
			_ = trace.Close()
			return nil, err
		}
		trace.Streams = append(trace.Streams, fs)
	}
	return trace, nil
}

// Close releases every file stream's mapping and file descriptor. It
// returns the first error encountered but always attempts every stream.
func (t *Trace) Close() error {
	var firstErr error
	for _, fs := range t.Streams {
		if err := fs.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// readMetadataFile reads a trace's metadata file and returns its assembled
// TSDL text. A plain-text file is returned as-is; a packetized one is
// unwrapped packet by packet, validating that every packet declares an
// unsupported-free scheme and the same uuid as its predecessors.
func readMetadataFile(path string, logger *log.Helper) (text string, uuidBytes []byte, hasUUID bool, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", nil, false, errors.Wrapf(err, "reading %s", path)
	}
	plainText := func() (string, []byte, bool, error) {
		var major, minor int
		n, _ := fmt.Sscanf(string(raw), "/* CTF %d.%d", &major, &minor)
		if n < 2 {
			return "", nil, false, errors.Wrap(ErrTSDLHeaderMalformed, `plain-text metadata missing "/* CTF x.y" header`)
		}
		if major != 1 || minor != 8 {
			logger.Warnf("plain-text metadata declares TSDL %d.%d, expected 1.8", major, minor)
		}
		return string(raw), nil, false, nil
	}

	if len(raw) < 4 {
		return plainText()
	}

	var order binary.ByteOrder
	switch {
	case binary.BigEndian.Uint32(raw[:4]) == MetadataMagic:
		order = binary.BigEndian
	case binary.LittleEndian.Uint32(raw[:4]) == MetadataMagic:
		order = binary.LittleEndian
	default:
		return plainText()
	}

	var sb strings.Builder
	var traceUUID [16]byte
	var uuidSet bool
	offset := 0
	for offset < len(raw) {
		if len(raw)-offset < metadataHeaderSize {
			return "", nil, false, errors.Wrap(ErrTSDLHeaderMalformed, "truncated metadata packet header")
		}
		var hdr metadataPacketHeader
		if err := binary.Read(bytes.NewReader(raw[offset:offset+metadataHeaderSize]), order, &hdr); err != nil {
			return "", nil, false, errors.Wrap(err, "decoding metadata packet header")
		}
		if hdr.Magic != MetadataMagic {
			return "", nil, false, errors.Wrapf(ErrBadMagic, "metadata packet at offset %d", offset)
		}
		if hdr.CompressionScheme != 0 || hdr.EncryptionScheme != 0 || hdr.ChecksumScheme != 0 {
			return "", nil, false, errors.Wrapf(ErrUnsupportedScheme, "metadata packet at offset %d", offset)
		}
		if hdr.Major != 1 || hdr.Minor != 8 {
			logger.Warnf("metadata packet at offset %d declares TSDL %d.%d, expected 1.8", offset, hdr.Major, hdr.Minor)
		}
		if uuidSet {
			if !bytesEqual(traceUUID[:], hdr.UUID[:]) {
				return "", nil, false, errors.Wrapf(ErrUUIDMismatch, "metadata packet at offset %d", offset)
			}
		} else {
			traceUUID = hdr.UUID
			uuidSet = true
		}

		contentBytes := int(hdr.ContentSizeBits / 8)
		packetBytes := int(hdr.PacketSizeBits / 8)
		if contentBytes < metadataHeaderSize || packetBytes < contentBytes {
			return "", nil, false, errors.Wrapf(ErrSizeInvariant, "metadata packet at offset %d", offset)
		}
		textEnd := offset + contentBytes
		if textEnd > len(raw) {
			return "", nil, false, errors.Wrapf(ErrSizeInvariant, "metadata packet at offset %d: content_size exceeds file size", offset)
		}
		sb.Write(raw[offset+metadataHeaderSize : textEnd])
		offset += packetBytes
	}
	return sb.String(), traceUUID[:], uuidSet, nil
}

// deriveDomain returns the first path component of dir relative to
// collectionPath, e.g. "kernel" or "ust" in a typical LTTng session layout.
func deriveDomain(collectionPath, dir string) string {
	rel, err := filepath.Rel(collectionPath, dir)
	if err != nil {
		return ""
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == "" || strings.HasPrefix(rel, "..") {
		return ""
	}
	return strings.SplitN(rel, "/", 2)[0]
}

// deriveProcnameVpid recovers the "<procname>-<pid>-<date>-<time>" fields
// LTTng encodes into a per-process trace directory's own name, parsing from
// the right so a procname that itself contains dashes is still recovered
// whole. Returns empty strings, never an error, if the trailing component
// doesn't have the expected shape.
func deriveProcnameVpid(dir string) (procname, vpid string) {
	parts := strings.Split(filepath.Base(dir), "-")
	if len(parts) < 4 {
		return "", ""
	}
	vpid = parts[len(parts)-3]
	procname = strings.Join(parts[:len(parts)-3], "-")
	return procname, vpid
}
