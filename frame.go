package hotrelay

import "encoding/binary"

// Wire layout constants. See SPEC_FULL.md / spec.md §6.
const (
	sizeFieldLen = 4 // the leading big-endian length field itself

	// Inbound peer frame: size(4) port(2) destuid(2) payload.
	inboundHeaderLen = 8
	// Outbound forwarded frame: size(4) port(2) payload.
	outboundHeaderLen = 6
	// Bytes shaved off the header during in-place rewrite.
	headerOffsetAdj = inboundHeaderLen - outboundHeaderLen

	// Uid-announce frame: size(4)=2, uid(2). Total frame is 6 bytes.
	announcePayloadLen = 2
	announceFrameLen   = sizeFieldLen + announcePayloadLen
)

// defaultFrameCapacity is the per-peer read buffer size. It must exceed
// the largest permitted inbound N strictly; callers MAY raise it via
// config but the spec requires it be at least 2048.
const defaultFrameCapacity = 4096

func decodeSize(buf []byte) uint32 {
	return binary.BigEndian.Uint32(buf[0:4])
}

func decodeUint16(buf []byte) uint16 {
	return binary.BigEndian.Uint16(buf)
}

func putUint32(buf []byte, v uint32) {
	binary.BigEndian.PutUint32(buf, v)
}

func putUint16(buf []byte, v uint16) {
	binary.BigEndian.PutUint16(buf, v)
}

// rewriteOutbound turns the 8-byte inbound header (size, port, destuid)
// into the 6-byte outbound header (size, port) in place. frame must be
// exactly header+payload (buf[:total] from onPeerReadable's parse loop). The payload
// never moves: the new size and port are written into the trailing 6
// bytes of the old 8-byte header, and the caller writes frame[2:] to
// the destination descriptor.
func rewriteOutbound(frame []byte) []byte {
	newSize := uint32(len(frame) - sizeFieldLen - headerOffsetAdj)
	port := decodeUint16(frame[4:6])
	putUint32(frame[headerOffsetAdj:headerOffsetAdj+4], newSize)
	putUint16(frame[headerOffsetAdj+4:headerOffsetAdj+6], port)
	return frame[headerOffsetAdj:]
}
