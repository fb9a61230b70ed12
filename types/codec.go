package types

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// MaxArrayLength bounds every length prefix read off the wire.
	MaxArrayLength = 1 << 16
	// MaxTxBytes bounds a single transaction body.
	MaxTxBytes = 1 << 20
)

var ErrTrailingBytes = errors.New("trailing bytes after message")

// binWriter writes the little-endian wire format. Variable length data is
// prefixed with a uvarint length.
type binWriter struct {
	buf bytes.Buffer
}

func (w *binWriter) writeU8(v uint8) {
	w.buf.WriteByte(v)
}

func (w *binWriter) writeBool(v bool) {
	if v {
		w.buf.WriteByte(1)
		return
	}
	w.buf.WriteByte(0)
}

func (w *binWriter) writeU16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.buf.Write(b[:])
}

func (w *binWriter) writeU32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

func (w *binWriter) writeU64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

func (w *binWriter) writeVarUint(v uint64) {
	var b [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(b[:], v)
	w.buf.Write(b[:n])
}

func (w *binWriter) writeVarBytes(bz []byte) {
	w.writeVarUint(uint64(len(bz)))
	w.buf.Write(bz)
}

func (w *binWriter) writeHash(h Hash) {
	w.buf.Write(h[:])
}

func (w *binWriter) writeSignature(s Signature) {
	w.buf.Write(s[:])
}

func (w *binWriter) Bytes() []byte {
	return w.buf.Bytes()
}

// binReader is the counterpart of binWriter. The first error sticks and every
// later read is a no-op returning zero values.
type binReader struct {
	r   *bytes.Reader
	err error
}

func newBinReader(bz []byte) *binReader {
	return &binReader{r: bytes.NewReader(bz)}
}

func (r *binReader) read(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n > r.r.Len() {
		r.err = io.ErrUnexpectedEOF
		return nil
	}
	bz := make([]byte, n)
	if _, err := io.ReadFull(r.r, bz); err != nil {
		r.err = err
		return nil
	}
	return bz
}

func (r *binReader) readU8() uint8 {
	bz := r.read(1)
	if bz == nil {
		return 0
	}
	return bz[0]
}

func (r *binReader) readBool() bool {
	v := r.readU8()
	if v > 1 && r.err == nil {
		r.err = fmt.Errorf("invalid bool byte %d", v)
	}
	return v == 1
}

func (r *binReader) readU16() uint16 {
	bz := r.read(2)
	if bz == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(bz)
}

func (r *binReader) readU32() uint32 {
	bz := r.read(4)
	if bz == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(bz)
}

func (r *binReader) readU64() uint64 {
	bz := r.read(8)
	if bz == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(bz)
}

func (r *binReader) readVarUint(max uint64) uint64 {
	if r.err != nil {
		return 0
	}
	v, err := binary.ReadUvarint(r.r)
	if err != nil {
		r.err = err
		return 0
	}
	if v > max {
		r.err = fmt.Errorf("length %d exceeds limit %d", v, max)
		return 0
	}
	return v
}

func (r *binReader) readVarBytes(max uint64) []byte {
	n := r.readVarUint(max)
	if r.err != nil || n == 0 {
		return nil
	}
	return r.read(int(n))
}

func (r *binReader) readHash() Hash {
	var h Hash
	copy(h[:], r.read(HashSize))
	return h
}

func (r *binReader) readSignature() Signature {
	var s Signature
	copy(s[:], r.read(SignatureSize))
	return s
}

// done reports the sticky error, or ErrTrailingBytes if input is left over.
func (r *binReader) done() error {
	if r.err != nil {
		return r.err
	}
	if r.r.Len() != 0 {
		return ErrTrailingBytes
	}
	return nil
}
