package trace

import (
	"bytes"
	"fmt"
	"io"
	"math/bits"

	"github.com/golang/snappy"
	"golang.org/x/text/encoding/unicode"
)

// CompressionSignature marks compressed captures. When the first four bytes of a file equal the
// signature (in either byte order), the remainder of the file is a snappy stream.
const CompressionSignature = 0x23234646

// maxStringLen is the per-string capacity of the original tracer. Strings whose length prefix
// meets or exceeds it are dropped: the read yields an empty string and only the prefix is
// consumed.
const maxStringLen = 1024

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// Reader decodes the primitive layer of a capture stream: byte-swapped integers, length-prefixed
// and optionally XOR-masked strings in their narrow (UTF-8) and wide (UTF-16) variants, and
// transparent decompression.
type Reader struct {
	r    io.Reader
	raw  *countingReader
	size int64
	swap bool
	buf  [8]byte
}

// NewReader wraps r, which must deliver size bytes in total. It consumes the compression
// signature, if present, and arranges for the remainder to be inflated.
func NewReader(r io.Reader, size int64) (*Reader, error) {
	raw := &countingReader{r: r}
	var magic [4]byte
	n, err := io.ReadFull(raw, magic[:])
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	rd := &Reader{raw: raw, size: size}
	sig := uint32(magic[0]) | uint32(magic[1])<<8 | uint32(magic[2])<<16 | uint32(magic[3])<<24
	if n == 4 && (sig == CompressionSignature || sig == bits.ReverseBytes32(CompressionSignature)) {
		rd.r = snappy.NewReader(raw)
	} else {
		rd.r = io.MultiReader(bytes.NewReader(magic[:n]), raw)
	}
	return rd, nil
}

// SetByteSwap controls whether multi-byte reads swap byte order. It is flipped on once the
// header declares an endianness that differs from the reference layout.
func (r *Reader) SetByteSwap(swap bool) { r.swap = swap }

func (r *Reader) Swapped() bool { return r.swap }

// Tell returns how many bytes have been consumed from the underlying source. For compressed
// captures this is the compressed offset, matching what Len is measured in.
func (r *Reader) Tell() int64 { return r.raw.n }

// Len returns the total size of the underlying source.
func (r *Reader) Len() int64 { return r.size }

func (r *Reader) read(n int) error {
	if _, err := io.ReadFull(r.r, r.buf[:n]); err != nil {
		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		return err
	}
	return nil
}

func (r *Reader) U8() (uint8, error) {
	if err := r.read(1); err != nil {
		return 0, err
	}
	return r.buf[0], nil
}

func (r *Reader) U16() (uint16, error) {
	if err := r.read(2); err != nil {
		return 0, err
	}
	v := uint16(r.buf[0]) | uint16(r.buf[1])<<8
	if r.swap {
		v = bits.ReverseBytes16(v)
	}
	return v, nil
}

func (r *Reader) U32() (uint32, error) {
	if err := r.read(4); err != nil {
		return 0, err
	}
	v := uint32(r.buf[0]) | uint32(r.buf[1])<<8 | uint32(r.buf[2])<<16 | uint32(r.buf[3])<<24
	if r.swap {
		v = bits.ReverseBytes32(v)
	}
	return v, nil
}

func (r *Reader) U64() (uint64, error) {
	if err := r.read(8); err != nil {
		return 0, err
	}
	v := uint64(r.buf[0]) | uint64(r.buf[1])<<8 | uint64(r.buf[2])<<16 | uint64(r.buf[3])<<24 |
		uint64(r.buf[4])<<32 | uint64(r.buf[5])<<40 | uint64(r.buf[6])<<48 | uint64(r.buf[7])<<56
	if r.swap {
		v = bits.ReverseBytes64(v)
	}
	return v, nil
}

// String reads a narrow string: a u32 length prefix followed by length bytes, each XORed with
// mask. It returns the string and the number of bytes consumed. Overlong strings yield "" with
// only the prefix consumed.
func (r *Reader) String(mask byte) (string, int, error) {
	ln, err := r.U32()
	if err != nil {
		return "", 0, err
	}
	if ln >= maxStringLen {
		return "", 4, nil
	}
	buf := make([]byte, ln)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return "", 4, fmt.Errorf("short string read: %w", err)
	}
	if mask != 0 {
		for i := range buf {
			buf[i] ^= mask
		}
	}
	return string(buf), int(ln) + 4, nil
}

// WideString is like String for the two-byte (UTF-16) variant. The length prefix counts UTF-16
// units; the mask applies to every byte of the body. The result is transcoded to UTF-8.
func (r *Reader) WideString(mask byte) (string, int, error) {
	ln, err := r.U32()
	if err != nil {
		return "", 0, err
	}
	if ln >= maxStringLen {
		return "", 4, nil
	}
	buf := make([]byte, ln*2)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return "", 4, fmt.Errorf("short string read: %w", err)
	}
	if mask != 0 {
		for i := range buf {
			buf[i] ^= mask
		}
	}
	endian := unicode.LittleEndian
	if r.swap {
		endian = unicode.BigEndian
	}
	out, err := unicode.UTF16(endian, unicode.IgnoreBOM).NewDecoder().Bytes(buf)
	if err != nil {
		return "", int(ln)*2 + 4, fmt.Errorf("invalid UTF-16 string: %w", err)
	}
	return string(out), int(ln)*2 + 4, nil
}
