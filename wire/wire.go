package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"driftpursuit/replication/ecs"
)

// ErrShortBuffer signals a message truncated before a declared field.
var ErrShortBuffer = errors.New("wire: short buffer")

// ErrMalformed signals a field that could not be decoded.
var ErrMalformed = errors.New("wire: malformed field")

// Writer accumulates protocol bytes. Varint and fixed-width encodings come
// from the protobuf wire primitives so every peer agrees on the layout
// regardless of word size.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty writer.
func NewWriter() *Writer { return &Writer{} }

// Bytes exposes the accumulated buffer. The slice aliases internal storage
// and becomes invalid after Reset.
func (w *Writer) Bytes() []byte {
	if w == nil {
		return nil
	}
	return w.buf
}

// Len reports the number of accumulated bytes.
func (w *Writer) Len() int {
	if w == nil {
		return 0
	}
	return len(w.buf)
}

// Reset clears the buffer while keeping its capacity for reuse.
func (w *Writer) Reset() {
	if w != nil {
		w.buf = w.buf[:0]
	}
}

// WriteUvarint appends a variable-length unsigned integer.
func (w *Writer) WriteUvarint(v uint64) {
	if w != nil {
		w.buf = protowire.AppendVarint(w.buf, v)
	}
}

// WriteFixed32 appends a little-endian 32-bit value.
func (w *Writer) WriteFixed32(v uint32) {
	if w != nil {
		w.buf = protowire.AppendFixed32(w.buf, v)
	}
}

// WriteUint8 appends a single byte.
func (w *Writer) WriteUint8(v uint8) {
	if w != nil {
		w.buf = append(w.buf, v)
	}
}

// WriteRaw appends the bytes verbatim.
func (w *Writer) WriteRaw(p []byte) {
	if w != nil {
		w.buf = append(w.buf, p...)
	}
}

// WriteBytes appends a length-prefixed byte slice.
func (w *Writer) WriteBytes(p []byte) {
	if w == nil {
		return
	}
	w.WriteUvarint(uint64(len(p)))
	w.buf = append(w.buf, p...)
}

// WriteEntity appends an entity as (index varint, generation varint).
func (w *Writer) WriteEntity(e ecs.Entity) {
	if w == nil {
		return
	}
	w.WriteUvarint(uint64(e.Index))
	w.WriteUvarint(uint64(e.Generation))
}

// Reader consumes protocol bytes produced by Writer.
type Reader struct {
	buf []byte
	off int
}

// NewReader wraps the buffer for decoding.
func NewReader(buf []byte) *Reader { return &Reader{buf: buf} }

// Remaining reports the undecoded byte count.
func (r *Reader) Remaining() int {
	if r == nil {
		return 0
	}
	return len(r.buf) - r.off
}

// ReadUvarint consumes a variable-length unsigned integer.
func (r *Reader) ReadUvarint() (uint64, error) {
	if r == nil {
		return 0, ErrShortBuffer
	}
	v, n := protowire.ConsumeVarint(r.buf[r.off:])
	if n < 0 {
		return 0, fmt.Errorf("%w: varint at offset %d", ErrMalformed, r.off)
	}
	r.off += n
	return v, nil
}

// ReadFixed32 consumes a little-endian 32-bit value.
func (r *Reader) ReadFixed32() (uint32, error) {
	if r == nil {
		return 0, ErrShortBuffer
	}
	v, n := protowire.ConsumeFixed32(r.buf[r.off:])
	if n < 0 {
		return 0, fmt.Errorf("%w: fixed32 at offset %d", ErrShortBuffer, r.off)
	}
	r.off += n
	return v, nil
}

// ReadUint8 consumes a single byte.
func (r *Reader) ReadUint8() (uint8, error) {
	if r == nil || r.off >= len(r.buf) {
		return 0, ErrShortBuffer
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

// ReadRaw consumes exactly n bytes without copying.
func (r *Reader) ReadRaw(n int) ([]byte, error) {
	if r == nil || n < 0 || r.Remaining() < n {
		return nil, ErrShortBuffer
	}
	p := r.buf[r.off : r.off+n]
	r.off += n
	return p, nil
}

// ReadBytes consumes a length-prefixed byte slice.
func (r *Reader) ReadBytes() ([]byte, error) {
	n, err := r.ReadUvarint()
	if err != nil {
		return nil, err
	}
	if n > uint64(r.Remaining()) {
		return nil, fmt.Errorf("%w: declared %d bytes, %d remain", ErrShortBuffer, n, r.Remaining())
	}
	return r.ReadRaw(int(n))
}

// ReadEntity consumes an entity encoded as (index, generation) varints.
func (r *Reader) ReadEntity() (ecs.Entity, error) {
	index, err := r.ReadUvarint()
	if err != nil {
		return ecs.Invalid, err
	}
	generation, err := r.ReadUvarint()
	if err != nil {
		return ecs.Invalid, err
	}
	if index > uint64(^uint32(0)) || generation > uint64(^uint32(0)) || generation == 0 {
		return ecs.Invalid, fmt.Errorf("%w: entity %d/%d out of range", ErrMalformed, index, generation)
	}
	return ecs.Entity{Index: uint32(index), Generation: uint32(generation)}, nil
}
