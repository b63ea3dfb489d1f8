package weaver

import (
	"github.com/klauspost/compress/s2"
)

// S2Compress compresses a byte slice using s2 and returns the compressed data.
func S2Compress(dst, data []byte) []byte {
	return s2.EncodeBetter(dst, data)
}

// S2Decompress decompresses an s2-compressed byte slice and returns the
// original data.
func S2Decompress(dst, data []byte) ([]byte, error) {
	return s2.Decode(dst, data)
}
