// Package safetensors reads and writes the Hugging Face safetensors
// format: an 8-byte little-endian header length, a JSON header mapping
// tensor names to dtype/shape/offsets, then the raw tensor data.
package safetensors

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	json "github.com/goccy/go-json"
)

// Headers beyond this are treated as corruption rather than parsed.
const maxHeaderBytes = 256 << 20

// TensorInfo locates one tensor inside a file. Start and End are byte
// offsets relative to the start of the data section.
type TensorInfo struct {
	DType string
	Shape []int
	Start int64
	End   int64
}

// NumElements returns the element count of the tensor's shape.
func (t TensorInfo) NumElements() (int, error) {
	return numElements(t.Shape)
}

// ByteLen returns the size of the tensor's data slot in bytes.
func (t TensorInfo) ByteLen() int64 { return t.End - t.Start }

// File is a parsed safetensors header. Tensor data stays on disk and is
// read on demand, so holding a File for a multi-gigabyte checkpoint
// costs only the header.
type File struct {
	Path      string
	DataStart int64
	Metadata  map[string]string
	Tensors   map[string]TensorInfo
}

type headerEntry struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// Open parses the header of the file at path. The file descriptor is
// not kept open.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var pre [8]byte
	if _, err := io.ReadFull(f, pre[:]); err != nil {
		return nil, fmt.Errorf("read header length: %w", err)
	}
	headerLen := binary.LittleEndian.Uint64(pre[:])
	if headerLen == 0 || headerLen > maxHeaderBytes {
		return nil, fmt.Errorf("implausible header length %d", headerLen)
	}
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	tensors, metadata, err := parseHeader(headerBytes)
	if err != nil {
		return nil, err
	}
	return &File{
		Path:      path,
		DataStart: int64(8 + headerLen),
		Metadata:  metadata,
		Tensors:   tensors,
	}, nil
}

func parseHeader(data []byte) (map[string]TensorInfo, map[string]string, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, fmt.Errorf("parse header: %w", err)
	}

	var metadata map[string]string
	if msg, ok := raw["__metadata__"]; ok {
		_ = json.Unmarshal(msg, &metadata)
		delete(raw, "__metadata__")
	}

	tensors := make(map[string]TensorInfo, len(raw))
	for name, msg := range raw {
		var entry headerEntry
		if err := json.Unmarshal(msg, &entry); err != nil {
			return nil, nil, fmt.Errorf("parse tensor %s: %w", name, err)
		}
		if len(entry.DataOffsets) != 2 {
			return nil, nil, fmt.Errorf("tensor %s: invalid data_offsets", name)
		}
		tensors[name] = TensorInfo{
			DType: entry.DType,
			Shape: entry.Shape,
			Start: entry.DataOffsets[0],
			End:   entry.DataOffsets[1],
		}
	}
	return tensors, metadata, nil
}

// Tensor looks up a tensor by name.
func (f *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := f.Tensors[name]
	return t, ok
}

// ReadTensor returns the raw bytes of the named tensor.
func (f *File) ReadTensor(name string) ([]byte, TensorInfo, error) {
	info, ok := f.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("tensor not found: %s", name)
	}
	if info.End < info.Start {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: offsets inverted", name)
	}

	r, err := os.Open(f.Path)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	defer func() { _ = r.Close() }()

	buf := make([]byte, info.ByteLen())
	if _, err := r.ReadAt(buf, f.DataStart+info.Start); err != nil {
		return nil, TensorInfo{}, fmt.Errorf("read tensor %s: %w", name, err)
	}
	return buf, info, nil
}

// ReadTensorF32 reads the named tensor and converts it to float32.
// F32, F16 and BF16 sources are supported.
func (f *File) ReadTensorF32(name string) ([]float32, TensorInfo, error) {
	raw, info, err := f.ReadTensor(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	out, err := decodeF32(raw, info)
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	return out, info, nil
}

type dtypeCodec struct {
	size   int
	decode func(b []byte) float32
}

var dtypeCodecs = map[string]dtypeCodec{
	"F32": {4, func(b []byte) float32 {
		return math.Float32frombits(binary.LittleEndian.Uint32(b))
	}},
	"F16": {2, func(b []byte) float32 {
		return halfToF32(binary.LittleEndian.Uint16(b))
	}},
	"BF16": {2, func(b []byte) float32 {
		return bf16ToF32(binary.LittleEndian.Uint16(b))
	}},
}

func decodeF32(raw []byte, info TensorInfo) ([]float32, error) {
	codec, ok := dtypeCodecs[info.DType]
	if !ok {
		return nil, fmt.Errorf("unsupported dtype %s", info.DType)
	}
	n, err := numElements(info.Shape)
	if err != nil {
		return nil, err
	}
	if len(raw) != n*codec.size {
		return nil, fmt.Errorf("%s data is %d bytes, want %d", info.DType, len(raw), n*codec.size)
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = codec.decode(raw[i*codec.size:])
	}
	return out, nil
}

func numElements(shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, errors.New("empty shape")
	}
	n := 1
	for _, d := range shape {
		switch {
		case d <= 0:
			return 0, fmt.Errorf("invalid dim %d", d)
		case d > math.MaxInt/n:
			return 0, errors.New("tensor too large")
		}
		n *= d
	}
	return n, nil
}

func bf16ToF32(u uint16) float32 {
	return math.Float32frombits(uint32(u) << 16)
}

func f32ToBF16(f float32) uint16 {
	bits := math.Float32bits(f)
	// round to nearest even on the dropped mantissa bits
	rounded := bits + 0x7FFF + ((bits >> 16) & 1)
	return uint16(rounded >> 16)
}

func halfToF32(h uint16) float32 {
	const expMask = 0x7C00
	sign := uint32(h&0x8000) << 16
	frac := uint32(h & 0x3FF)
	switch {
	case h&0x7FFF == 0:
		return math.Float32frombits(sign)
	case h&expMask == expMask:
		// infinity or NaN, keep the payload bits
		return math.Float32frombits(sign | 0x7F800000 | frac<<13)
	case h&expMask == 0:
		// subnormal half, exact as a normal float32
		v := float32(frac) / (1 << 24)
		if sign != 0 {
			return -v
		}
		return v
	default:
		exp := uint32(h>>10&0x1F) + 112
		return math.Float32frombits(sign | exp<<23 | frac<<13)
	}
}
