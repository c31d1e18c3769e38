package envelope

import (
	"bytes"
	"compress/flate"
	"fmt"
	"io"
)

// Compress deflates payload at the highest ratio setting. Spec §4.1 asks
// for "a deflate-family algorithm at a fixed level targeting >= 5x ratio
// on typical payloads" — compress/flate at BestCompression is that
// algorithm directly, not a substitute for one (see DESIGN.md).
func Compress(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("create flate writer: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return nil, fmt.Errorf("compress payload: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("flush compressed payload: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress inflates a buffer produced by Compress. Decoding accepts any
// flate compression level, per spec §4.1.
func Decompress(blob []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(blob))
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decompress payload: %w", err)
	}
	return out, nil
}
