package memd

import (
	"encoding/binary"
	"errors"
	"io"
)

// HeaderLen is the fixed size of every frame's header, per spec.md §3.
const HeaderLen = 24

// ErrShortRead is returned when a Decode call's underlying reader
// produces fewer bytes than the header or body requires.
var ErrShortRead = errors.New("memd: short read")

// Packet is a single request or response frame: a fixed 24-byte header
// followed by optional extras, key, and value sections. All multi-byte
// header fields are big-endian, per spec.md §3.
type Packet struct {
	Magic    CmdMagic
	Command  CmdCode
	Datatype uint8

	// Vbucket is meaningful on requests, Status on responses; both
	// occupy the same header word.
	Vbucket uint16
	Status  StatusCode

	Opaque uint32
	Cas    uint64

	Extras []byte
	Key    []byte
	Value  []byte
}

// vbucketStatusWord returns the header word shared by Vbucket (requests)
// and Status (responses).
func (p *Packet) vbucketStatusWord() uint16 {
	if p.Magic == CmdMagicRes {
		return uint16(p.Status)
	}
	return p.Vbucket
}

// Encode serializes the packet as a wire frame, recomputing key_len,
// extra_len, and total_len from the actual payloads, per spec.md §4.1.
func (p *Packet) Encode(w io.Writer) error {
	extraLen := len(p.Extras)
	keyLen := len(p.Key)
	valueLen := len(p.Value)

	if keyLen > 65535 {
		return errors.New("memd: key too long")
	}
	if extraLen > 255 {
		return errors.New("memd: extras too long")
	}

	buf := make([]byte, HeaderLen+extraLen+keyLen+valueLen)
	buf[0] = uint8(p.Magic)
	buf[1] = uint8(p.Command)
	binary.BigEndian.PutUint16(buf[2:4], uint16(keyLen))
	buf[4] = uint8(extraLen)
	buf[5] = p.Datatype
	binary.BigEndian.PutUint16(buf[6:8], p.vbucketStatusWord())
	binary.BigEndian.PutUint32(buf[8:12], uint32(extraLen+keyLen+valueLen))
	binary.BigEndian.PutUint32(buf[12:16], p.Opaque)
	binary.BigEndian.PutUint64(buf[16:24], p.Cas)

	off := HeaderLen
	off += copy(buf[off:], p.Extras)
	off += copy(buf[off:], p.Key)
	copy(buf[off:], p.Value)

	_, err := w.Write(buf)
	return err
}

// Decode reads exactly one frame from r: 24 header bytes, then extras,
// key, and value in that order, with value_len derived as
// total_len - extra_len - key_len. Returns ErrShortRead if any sub-read
// comes up short, per spec.md §4.1.
func Decode(r io.Reader) (*Packet, error) {
	header := make([]byte, HeaderLen)
	if err := readFull(r, header); err != nil {
		return nil, err
	}

	keyLen := int(binary.BigEndian.Uint16(header[2:4]))
	extraLen := int(header[4])
	totalLen := int(binary.BigEndian.Uint32(header[8:12]))
	valueLen := totalLen - extraLen - keyLen
	if valueLen < 0 {
		return nil, ErrShortRead
	}

	body := make([]byte, extraLen+keyLen+valueLen)
	if err := readFull(r, body); err != nil {
		return nil, err
	}

	p := &Packet{
		Magic:    CmdMagic(header[0]),
		Command:  CmdCode(header[1]),
		Datatype: header[5],
		Opaque:   binary.BigEndian.Uint32(header[12:16]),
		Cas:      binary.BigEndian.Uint64(header[16:24]),
		Extras:   body[:extraLen],
		Key:      body[extraLen : extraLen+keyLen],
		Value:    body[extraLen+keyLen:],
	}

	word := binary.BigEndian.Uint16(header[6:8])
	if p.Magic == CmdMagicRes {
		p.Status = StatusCode(word)
	} else {
		p.Vbucket = word
	}

	return p, nil
}

func readFull(r io.Reader, buf []byte) error {
	n, err := io.ReadFull(r, buf)
	if err != nil {
		if n < len(buf) {
			return ErrShortRead
		}
		return err
	}
	return nil
}

// IsCompressed reports whether the response's extras flags word marks
// the value as gzip-compressed, per spec.md §4.1.
func (p *Packet) IsCompressed() bool {
	flags, ok := p.extrasFlags()
	if !ok {
		return false
	}
	return flags&flagCompressed != 0
}

// AsBool reports whether the response's extras flags word marks the
// value as a boolean, and if so, its decoded value (true iff the first
// value byte is 0x31), per spec.md §4.1.
func (p *Packet) AsBool() (bool, bool) {
	flags, ok := p.extrasFlags()
	if !ok || flags != flagBoolean {
		return false, false
	}
	if len(p.Value) == 0 {
		return false, true
	}
	return p.Value[0] == 0x31, true
}

// AsUint reports whether the response's extras flags word marks the
// value as an unsigned integer, and if so, its decoded value. Value
// widths of 1 to 8 bytes are decoded exactly; an empty value or one
// wider than 8 bytes is reported as ok=false.
func (p *Packet) AsUint() (uint64, bool) {
	flags, ok := p.extrasFlags()
	if !ok || flags <= flagUintLow || flags >= flagUintHigh {
		return 0, false
	}
	if len(p.Value) == 0 || len(p.Value) > 8 {
		return 0, false
	}
	var v uint64
	for _, b := range p.Value {
		v = v<<8 | uint64(b)
	}
	return v, true
}

func (p *Packet) extrasFlags() (extrasFlags, bool) {
	if len(p.Extras) < 4 {
		return 0, false
	}
	return extrasFlags(binary.BigEndian.Uint32(p.Extras[:4])), true
}
