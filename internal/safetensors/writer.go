package safetensors

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	json "github.com/goccy/go-json"
)

// Builder accumulates tensors and writes them out as a single
// safetensors file. Tensors are laid out in sorted name order and the
// data section starts on an 8-byte boundary.
type Builder struct {
	metadata map[string]string
	tensors  map[string]builderTensor
}

type builderTensor struct {
	dtype string
	shape []int
	raw   []byte
}

func NewBuilder() *Builder {
	return &Builder{tensors: make(map[string]builderTensor)}
}

// SetMetadata records a key under the header's __metadata__ section.
func (b *Builder) SetMetadata(key, value string) {
	if b.metadata == nil {
		b.metadata = make(map[string]string)
	}
	b.metadata[key] = value
}

// AddF32 adds a tensor stored as little-endian float32.
func (b *Builder) AddF32(name string, shape []int, data []float32) error {
	if err := b.check(name, shape, len(data)); err != nil {
		return err
	}
	raw := make([]byte, len(data)*4)
	for i, v := range data {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}
	b.tensors[name] = builderTensor{dtype: "F32", shape: append([]int(nil), shape...), raw: raw}
	return nil
}

// AddBF16 adds a tensor stored as bfloat16, halving its size on disk.
func (b *Builder) AddBF16(name string, shape []int, data []float32) error {
	if err := b.check(name, shape, len(data)); err != nil {
		return err
	}
	raw := make([]byte, len(data)*2)
	for i, v := range data {
		binary.LittleEndian.PutUint16(raw[i*2:], f32ToBF16(v))
	}
	b.tensors[name] = builderTensor{dtype: "BF16", shape: append([]int(nil), shape...), raw: raw}
	return nil
}

func (b *Builder) check(name string, shape []int, n int) error {
	if name == "" {
		return fmt.Errorf("empty tensor name")
	}
	if _, ok := b.tensors[name]; ok {
		return fmt.Errorf("duplicate tensor %s", name)
	}
	want, err := numElements(shape)
	if err != nil {
		return fmt.Errorf("tensor %s: %w", name, err)
	}
	if want != n {
		return fmt.Errorf("tensor %s: shape %v holds %d elements, got %d", name, shape, want, n)
	}
	return nil
}

// Len reports the number of tensors added so far.
func (b *Builder) Len() int { return len(b.tensors) }

// WriteFile serialises the builder to path. The file is written to a
// temporary name first and renamed into place so a crash never leaves
// a truncated checkpoint behind.
func (b *Builder) WriteFile(path string) error {
	if len(b.tensors) == 0 {
		return fmt.Errorf("no tensors to write")
	}

	names := make([]string, 0, len(b.tensors))
	for name := range b.tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]any, len(b.tensors)+1)
	if len(b.metadata) > 0 {
		header["__metadata__"] = b.metadata
	}
	var offset int64
	for _, name := range names {
		t := b.tensors[name]
		header[name] = headerEntry{
			DType:       t.dtype,
			Shape:       t.shape,
			DataOffsets: []int64{offset, offset + int64(len(t.raw))},
		}
		offset += int64(len(t.raw))
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshal header: %w", err)
	}
	// pad with spaces so the data section starts 8-byte aligned
	if pad := (8 - (8+len(headerBytes))%8) % 8; pad > 0 {
		padded := make([]byte, len(headerBytes)+pad)
		copy(padded, headerBytes)
		for i := len(headerBytes); i < len(padded); i++ {
			padded[i] = ' '
		}
		headerBytes = padded
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	if _, err := tmp.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := tmp.Write(headerBytes); err != nil {
		return err
	}
	for _, name := range names {
		if _, err := tmp.Write(b.tensors[name].raw); err != nil {
			return err
		}
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
