package safetensors

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
)

// Entry is one named float32 tensor to be written.
type Entry struct {
	Name  string
	Shape []int
	Data  []float32
}

// WriteF32 writes entries as F32 tensors in the given order. The file is
// written to a temporary sibling and renamed into place.
func WriteF32(path string, entries []Entry, metadata map[string]string) error {
	header := make(map[string]any, len(entries)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}
	var offset int64
	for _, e := range entries {
		if e.Name == metadataKey {
			return fmt.Errorf("tensor name %q is reserved", e.Name)
		}
		if _, dup := header[e.Name]; dup {
			return fmt.Errorf("duplicate tensor %s", e.Name)
		}
		n, err := NumElements(e.Shape)
		if err != nil {
			return fmt.Errorf("tensor %s: %w", e.Name, err)
		}
		if n != len(e.Data) {
			return fmt.Errorf("tensor %s: shape %v does not match %d values", e.Name, e.Shape, len(e.Data))
		}
		shape := e.Shape
		if shape == nil {
			shape = []int{}
		}
		size := int64(n) * 4
		header[e.Name] = tensorHeader{DType: "F32", Shape: shape, DataOffsets: []int64{offset, offset + size}}
		offset += size
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshal header: %w", err)
	}
	// Pad so tensor data starts on an 8 byte boundary.
	if pad := (8 - len(headerBytes)%8) % 8; pad > 0 {
		headerBytes = append(headerBytes, bytes.Repeat([]byte{' '}, pad)...)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".safetensors-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	w := bufio.NewWriter(tmp)
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := w.Write(headerBytes); err != nil {
		_ = tmp.Close()
		return err
	}
	var word [4]byte
	for _, e := range entries {
		for _, v := range e.Data {
			binary.LittleEndian.PutUint32(word[:], math.Float32bits(v))
			if _, err := w.Write(word[:]); err != nil {
				_ = tmp.Close()
				return err
			}
		}
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
