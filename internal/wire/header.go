package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"unicode/utf8"
)

var (
	ErrUnknownCommand = errors.New("unknown command code")
	ErrShortHeader    = errors.New("header shorter than 59 bytes")
)

// Header is the decoded form of the fixed 59-byte frame header.
type Header struct {
	Command     Command
	PayloadSize uint64
	Info        string
}

// Frame is a decoded header plus its payload bytes. The payload is opaque
// to the codec; callers know from Command whether it is JSON, image bytes
// or raw file content.
type Frame struct {
	Command Command
	Info    string
	Payload []byte
}

// truncateInfo returns the largest prefix of s that encodes to at most
// InfoSize bytes of UTF-8 without splitting a rune.
func truncateInfo(s string) string {
	if len(s) <= InfoSize {
		return s
	}
	cut := InfoSize
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// EncodeHeader writes the fixed header: command byte, payload size as a
// little-endian u64, then info truncated to 50 UTF-8 bytes and zero-padded.
func EncodeHeader(cmd Command, payloadSize uint64, info string) [HeaderSize]byte {
	var hdr [HeaderSize]byte
	hdr[0] = byte(cmd)
	binary.LittleEndian.PutUint64(hdr[1:9], payloadSize)
	copy(hdr[9:], truncateInfo(info))
	return hdr
}

// DecodeHeader parses a 59-byte header. An unrecognized command code yields
// ErrUnknownCommand rather than a header that might be acted upon. Trailing
// NUL padding is stripped from info; if what remains is not valid UTF-8 the
// info field decodes as empty rather than failing the whole header.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrShortHeader
	}
	cmd := Command(b[0])
	if !cmd.Valid() {
		return Header{}, ErrUnknownCommand
	}
	size := binary.LittleEndian.Uint64(b[1:9])
	raw := bytes.TrimRight(b[9:HeaderSize], "\x00")
	info := ""
	if utf8.Valid(raw) {
		info = string(raw)
	}
	return Header{Command: cmd, PayloadSize: size, Info: info}, nil
}

// EncodeFrame returns header bytes followed by the payload, with the
// header's payload size set to len(payload). The payload passes through
// unmodified.
func EncodeFrame(cmd Command, info string, payload []byte) []byte {
	hdr := EncodeHeader(cmd, uint64(len(payload)), info)
	out := make([]byte, 0, HeaderSize+len(payload))
	out = append(out, hdr[:]...)
	return append(out, payload...)
}
