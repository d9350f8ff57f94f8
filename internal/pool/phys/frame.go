// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package phys

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Metadata blobs use a self-describing textual encoding: JSON carrying the
// struct member names, framed with a little-endian u64 length prefix. The
// prefix lets a reader walk concatenated frames (block based log chunks
// packed back to back in an extent) without any out-of-band size info.

const frameHeaderSize = 8

// FrameAppend encodes v and appends the length-prefixed frame to dst.
func FrameAppend(dst []byte, v interface{}) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("frame encode: %w", err)
	}

	var hdr [frameHeaderSize]byte
	binary.LittleEndian.PutUint64(hdr[:], uint64(len(body)))
	dst = append(dst, hdr[:]...)
	dst = append(dst, body...)
	return dst, nil
}

// FrameEncode encodes v as a single length-prefixed frame.
func FrameEncode(v interface{}) ([]byte, error) {
	return FrameAppend(nil, v)
}

// FrameDecode decodes the first frame in buf into v and returns the number
// of bytes consumed, header included.
func FrameDecode(buf []byte, v interface{}) (int, error) {
	if len(buf) < frameHeaderSize {
		return 0, fmt.Errorf("frame decode: short header (%d bytes): %w", len(buf), ErrCorrupt)
	}

	size := binary.LittleEndian.Uint64(buf[:frameHeaderSize])
	total := frameHeaderSize + int(size)
	if size > uint64(len(buf)-frameHeaderSize) {
		return 0, fmt.Errorf("frame decode: body %d bytes exceeds buffer %d: %w",
			size, len(buf)-frameHeaderSize, ErrCorrupt)
	}

	if err := json.Unmarshal(buf[frameHeaderSize:total], v); err != nil {
		return 0, fmt.Errorf("frame decode: %v: %w", err, ErrCorrupt)
	}
	return total, nil
}
