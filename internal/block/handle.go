package block

import (
	"fmt"

	"github.com/aalhour/rocklet/internal/encoding"
)

// TrailerSize is the compression type byte plus the masked CRC32C stored
// after every block in a table file.
const TrailerSize = 5

// MaxHandleEncodedLength bounds the varint encoding of a Handle.
const MaxHandleEncodedLength = 2 * encoding.MaxVarint64Length

// Handle locates a block within a table file. Size excludes the trailer.
type Handle struct {
	Offset uint64
	Size   uint64
}

func (h Handle) EncodeTo(dst []byte) []byte {
	dst = encoding.AppendVarint64(dst, h.Offset)
	return encoding.AppendVarint64(dst, h.Size)
}

// DecodeHandle returns the handle and the number of bytes consumed.
func DecodeHandle(src []byte) (Handle, int, error) {
	off, n1, err := encoding.DecodeVarint64(src)
	if err != nil {
		return Handle{}, 0, fmt.Errorf("block handle offset: %w", err)
	}
	size, n2, err := encoding.DecodeVarint64(src[n1:])
	if err != nil {
		return Handle{}, 0, fmt.Errorf("block handle size: %w", err)
	}
	return Handle{Offset: off, Size: size}, n1 + n2, nil
}

func (h Handle) String() string {
	return fmt.Sprintf("[%d+%d]", h.Offset, h.Size)
}
