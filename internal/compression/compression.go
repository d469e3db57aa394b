// Package compression implements the block codecs a table can be written
// with. Compressed payloads carry a varint prefix with the raw length so
// that decoders can size their output and detect truncation.
package compression

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/aalhour/rocklet/internal/encoding"
)

// Type identifies a block codec. The value is stored in every block trailer.
type Type uint8

const (
	None   Type = 0x0
	Snappy Type = 0x1
	LZ4    Type = 0x4
	Zstd   Type = 0x7
)

// ErrCorrupt is returned when a compressed payload cannot be decoded.
var ErrCorrupt = errors.New("compression: corrupt payload")

func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case Snappy:
		return "snappy"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

func (t Type) IsSupported() bool {
	switch t {
	case None, Snappy, LZ4, Zstd:
		return true
	}
	return false
}

// ParseType accepts the codec names produced by String.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "no":
		return None, nil
	case "snappy":
		return Snappy, nil
	case "lz4":
		return LZ4, nil
	case "zstd", "zstandard":
		return Zstd, nil
	}
	return None, fmt.Errorf("compression: unknown type %q", s)
}

func (t Type) MarshalText() ([]byte, error) {
	if !t.IsSupported() {
		return nil, fmt.Errorf("compression: unsupported type %d", uint8(t))
	}
	return []byte(t.String()), nil
}

func (t *Type) UnmarshalText(text []byte) error {
	v, err := ParseType(string(text))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

// Encoder and Decoder are safe for concurrent EncodeAll/DecodeAll.
func zstdCodec() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil)
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

// Compress encodes data with t. The second result is false when the
// payload did not shrink and the caller should store the raw bytes.
func Compress(t Type, data []byte) ([]byte, bool, error) {
	if t == None {
		return data, false, nil
	}
	out := encoding.AppendVarint32(nil, uint32(len(data)))
	hdr := len(out)

	switch t {
	case Snappy:
		out = append(out, snappy.Encode(nil, data)...)

	case LZ4:
		buf := make([]byte, hdr+lz4.CompressBlockBound(len(data)))
		copy(buf, out)
		var c lz4.Compressor
		n, err := c.CompressBlock(data, buf[hdr:])
		if err != nil {
			return nil, false, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 {
			return data, false, nil
		}
		out = buf[:hdr+n]

	case Zstd:
		enc, _, err := zstdCodec()
		if err != nil {
			return nil, false, fmt.Errorf("zstd encoder: %w", err)
		}
		out = enc.EncodeAll(data, out)

	default:
		return nil, false, fmt.Errorf("compression: unsupported type %s", t)
	}

	// Require at least 12.5% savings.
	if len(out) >= len(data)-len(data)/8 {
		return data, false, nil
	}
	return out, true, nil
}

// Decompress reverses Compress.
func Decompress(t Type, data []byte) ([]byte, error) {
	if t == None {
		return data, nil
	}
	rawLen, n, err := encoding.DecodeVarint32(data)
	if err != nil {
		return nil, fmt.Errorf("%w: bad length prefix", ErrCorrupt)
	}
	payload := data[n:]

	var out []byte
	switch t {
	case Snappy:
		out, err = snappy.Decode(make([]byte, rawLen), payload)
	case LZ4:
		out = make([]byte, rawLen)
		var m int
		m, err = lz4.UncompressBlock(payload, out)
		out = out[:m]
	case Zstd:
		_, dec, derr := zstdCodec()
		if derr != nil {
			return nil, fmt.Errorf("zstd decoder: %w", derr)
		}
		out, err = dec.DecodeAll(payload, make([]byte, 0, rawLen))
	default:
		return nil, fmt.Errorf("compression: unsupported type %s", t)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, t, err)
	}
	if len(out) != int(rawLen) {
		return nil, fmt.Errorf("%w: %s: got %d bytes, want %d", ErrCorrupt, t, len(out), rawLen)
	}
	return out, nil
}
