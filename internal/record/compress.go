package record

import (
	"bytes"
	"compress/gzip"
	"io"
)

// compress gzips a payload. On any failure the raw payload is returned
// with compressed=false so data is never lost to a codec error.
func compress(data []byte) (out []byte, compressed bool) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		zw.Close()
		return data, false
	}
	if err := zw.Close(); err != nil {
		return data, false
	}
	// Incompressible payloads are stored raw.
	if buf.Len() >= len(data) {
		return data, false
	}
	return buf.Bytes(), true
}

// decompress reverses compress. If the row is flagged compressed but the
// payload does not decompress, the raw bytes are returned as a fallback.
func decompress(data []byte, compressed bool) []byte {
	if !compressed {
		return data
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return data
	}
	defer zr.Close()

	out, err := io.ReadAll(zr)
	if err != nil {
		return data
	}
	return out
}
