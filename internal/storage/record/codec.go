package record

import (
	"encoding/binary"
	"fmt"

	"github.com/pierrec/lz4"
)

// Value layout: one algorithm byte, then for lz4 a 4-byte big-endian
// uncompressed length, then the payload.
const (
	codecNone byte = 0
	codecLZ4  byte = 1
)

type codec struct {
	compress bool
}

func newCodec(name string) (*codec, error) {
	switch name {
	case "", "none":
		return &codec{}, nil
	case "lz4":
		return &codec{compress: true}, nil
	}
	return nil, fmt.Errorf("unknown compression codec: %s", name)
}

func (c *codec) encode(data []byte) ([]byte, error) {
	if !c.compress || len(data) == 0 {
		out := make([]byte, 1+len(data))
		out[0] = codecNone
		copy(out[1:], data)
		return out, nil
	}

	buf := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, buf, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compression failed: %w", err)
	}
	if n == 0 || n >= len(data) {
		// Incompressible; store plain.
		out := make([]byte, 1+len(data))
		out[0] = codecNone
		copy(out[1:], data)
		return out, nil
	}

	out := make([]byte, 5+n)
	out[0] = codecLZ4
	binary.BigEndian.PutUint32(out[1:5], uint32(len(data)))
	copy(out[5:], buf[:n])
	return out, nil
}

func (c *codec) decode(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty record value")
	}
	switch data[0] {
	case codecNone:
		out := make([]byte, len(data)-1)
		copy(out, data[1:])
		return out, nil
	case codecLZ4:
		if len(data) < 5 {
			return nil, fmt.Errorf("truncated lz4 record value")
		}
		size := binary.BigEndian.Uint32(data[1:5])
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(data[5:], out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompression failed: %w", err)
		}
		return out[:n], nil
	}
	return nil, fmt.Errorf("unknown record codec byte: %d", data[0])
}
