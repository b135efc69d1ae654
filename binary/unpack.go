package binary

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// flagCompressed marks bit 1 of the framing byte as "zlib-compressed".
const flagCompressed = 1 << 1

// Unpack strips the leading framing byte and, if it signals compression,
// zlib-decompresses the remainder. The result is raw encoded-node bytes
// suitable for Unmarshal.
func Unpack(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, malformed("empty frame")
	}
	frameTag := data[0]
	data = data[1:]
	if frameTag&flagCompressed == 0 {
		return data, nil
	}
	reader, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("binary: failed to open zlib reader: %w", err)
	}
	defer reader.Close()
	decompressed, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("binary: failed to decompress frame: %w", err)
	}
	return decompressed, nil
}
