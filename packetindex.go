// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package ctf

import (
	"github.com/pkg/errors"
)

// PacketIndexEntry records everything the stream cursor needs to revisit
// one packet without re-walking the file: its file offset, its declared
// sizes, where its payload begins, and the clock range it covers.
//
// Invariant: ContentSizeBits <= PacketSizeBits; OffsetBytes +
// PacketSizeBits/8 <= file size; DataOffsetBits <= ContentSizeBits.
type PacketIndexEntry struct {
	OffsetBytes     int64
	PacketSizeBits  uint64
	ContentSizeBits uint64
	DataOffsetBits  uint64
	TimestampBegin  uint64
	TimestampEnd    uint64
}

// indexPackets walks every packet of fs's file, decoding just enough of
// each packet header and packet context to record a PacketIndexEntry, and
// binds fs to the stream class declared by the first packet's stream_id.
//
// Mirrors the original reader's create_stream_packet_index: provisionally
// map MaxPacketHeaderLen/8 bytes per packet, decode header+context, then
// advance by the packet's own declared packet_size.
func indexPackets(fs *FileStream, maxPacketHeaderLenBits uint64) error {
	fileSize, err := streamSize(fs)
	if err != nil {
		return err
	}
	maxHeaderBytes := int64(maxPacketHeaderLenBits / 8)
	if fileSize < maxHeaderBytes {
		return errors.Wrapf(ErrTooSmall, "%s is %d bytes, minimum is %d", fs.path, fileSize, maxHeaderBytes)
	}

	firstPacket := true
	var offset int64
	for offset < fileSize {
		headerLen := maxHeaderBytes
		if offset+headerLen > fileSize {
			headerLen = fileSize - offset
		}
		window, release, err := mapPacketWindow(fs, offset, headerLen)
		if err != nil {
			return errors.Wrapf(err, "%s: mapping provisional header at offset %d", fs.path, offset)
		}
		cursor := newBitCursor(AccessRead)
		cursor.setWindow(window, uint64(headerLen)*8, uint64(headerLen)*8)

		entry := PacketIndexEntry{OffsetBytes: offset}
		var streamID uint64

		if fs.trace.Type.PacketHeaderDecl != nil {
			scope := NewScope()
			def, err := decode(cursor, fs.trace.Type.PacketHeaderDecl, scope, noScope, "trace.packet.header")
			if err != nil {
				_ = release()
				return errors.Wrapf(err, "%s: packet %d: decoding packet header", fs.path, len(fs.PacketIndex))
			}
			hdr := def.(*StructDefinition)
			fs.packetHeaderScope = scope

			if magicDef, ok := hdr.FieldByName("magic"); ok {
				magic, ok := magicDef.(*IntegerDefinition)
				if !ok || magic.Value() != CTFMagic {
					_ = release()
					return errors.Wrapf(ErrBadMagic, "%s: packet %d at file offset %d", fs.path, len(fs.PacketIndex), offset)
				}
			}
			if uuidDef, ok := hdr.FieldByName("uuid"); ok {
				raw, ok := AsArrayUUID(uuidDef)
				if !ok {
					_ = release()
					return errors.Wrapf(ErrBadMagic, "%s: packet %d: uuid field is not a 16-byte array", fs.path, len(fs.PacketIndex))
				}
				if fs.trace.HasUUID() {
					traceUUIDBytes, _ := fs.trace.UUID().MarshalBinary()
					if !bytesEqual(traceUUIDBytes, raw) {
						_ = release()
						return errors.Wrapf(ErrUUIDMismatch, "%s: packet %d at file offset %d", fs.path, len(fs.PacketIndex), offset)
					}
				} else {
					if err := fs.trace.setUUIDBytes(raw); err != nil {
						_ = release()
						return err
					}
				}
			}
			if sidDef, ok := hdr.FieldByName("stream_id"); ok {
				if iv, ok := sidDef.(*IntegerDefinition); ok {
					streamID = iv.Value()
				}
			}
			fs.PacketHeaderDef = hdr
		}

		if firstPacket {
			fs.StreamID = streamID
			sc, ok := fs.trace.Type.StreamByID(streamID)
			if !ok {
				_ = release()
				return errors.Wrapf(ErrUnknownStreamID, "%s: stream id %d", fs.path, streamID)
			}
			fs.StreamClass = sc
			if err := fs.createDefinitions(); err != nil {
				_ = release()
				return err
			}
		} else if streamID != fs.StreamID {
			_ = release()
			return errors.Wrapf(ErrStreamIDChanged, "%s: packet %d: stream id %d, expected %d", fs.path, len(fs.PacketIndex), streamID, fs.StreamID)
		}
		firstPacket = false

		if fs.StreamClass.PacketContextDecl != nil {
			if fs.packetHeaderScope == nil {
				fs.packetHeaderScope = NewScope()
			}
			def, err := decode(cursor, fs.StreamClass.PacketContextDecl, fs.packetHeaderScope, noScope, "stream.packet.context")
			if err != nil {
				_ = release()
				return errors.Wrapf(err, "%s: packet %d: decoding packet context", fs.path, len(fs.PacketIndex))
			}
			ctxDef := def.(*StructDefinition)
			fs.PacketContextDef = ctxDef

			entry.ContentSizeBits = optionalUint(ctxDef, "content_size", uint64(fileSize)*8)
			entry.PacketSizeBits = optionalUint(ctxDef, "packet_size", 0)
			if entry.PacketSizeBits == 0 {
				if entry.ContentSizeBits != 0 {
					entry.PacketSizeBits = entry.ContentSizeBits
				} else {
					entry.PacketSizeBits = uint64(fileSize) * 8
				}
			}
			entry.TimestampBegin = optionalUint(ctxDef, "timestamp_begin", 0)
			entry.TimestampEnd = optionalUint(ctxDef, "timestamp_end", 0)
		} else {
			entry.ContentSizeBits = uint64(fileSize) * 8
			entry.PacketSizeBits = entry.ContentSizeBits
		}

		if entry.ContentSizeBits > entry.PacketSizeBits {
			_ = release()
			return errors.Wrapf(ErrSizeInvariant, "%s: packet %d: content_size %d > packet_size %d", fs.path, len(fs.PacketIndex), entry.ContentSizeBits, entry.PacketSizeBits)
		}
		if entry.PacketSizeBits > uint64(fileSize-offset)*8 {
			_ = release()
			return errors.Wrapf(ErrSizeInvariant, "%s: packet %d: packet_size %d exceeds remaining file size", fs.path, len(fs.PacketIndex), entry.PacketSizeBits)
		}

		entry.DataOffsetBits = cursor.bitOffset
		fs.PacketIndex = append(fs.PacketIndex, entry)

		if err := release(); err != nil {
			return errors.Wrapf(err, "%s: unmap provisional header at offset %d", fs.path, offset)
		}

		offset += int64(entry.PacketSizeBits / 8)
	}

	return fs.moveToPacket(0)
}

func optionalUint(s *StructDefinition, name string, fallback uint64) uint64 {
	def, ok := s.FieldByName(name)
	if !ok {
		return fallback
	}
	iv, ok := def.(*IntegerDefinition)
	if !ok {
		return fallback
	}
	return iv.Value()
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// CTFMagic is the required value of a data packet header's magic field.
const CTFMagic uint64 = 0xC1FC1FC1
