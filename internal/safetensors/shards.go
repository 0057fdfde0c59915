package safetensors

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	json "github.com/goccy/go-json"
)

const (
	// SingleFile is the checkpoint name used when all weights fit in
	// one shard.
	SingleFile = "model.safetensors"
	// IndexFile maps tensor names to their shard for multi-file
	// checkpoints.
	IndexFile = "model.safetensors.index.json"
)

type weightIndex struct {
	Metadata  map[string]any    `json:"metadata,omitempty"`
	WeightMap map[string]string `json:"weight_map"`
}

// Model is a read view over a checkpoint directory holding either a
// single safetensors file or an index plus shards.
type Model struct {
	Dir     string
	shards  map[string]*File
	tensors map[string]*File
}

// OpenModel opens dir as a safetensors checkpoint. A shard index takes
// precedence over a single-file checkpoint when both exist.
func OpenModel(dir string) (*Model, error) {
	indexPath := filepath.Join(dir, IndexFile)
	if _, err := os.Stat(indexPath); err == nil {
		return openSharded(dir, indexPath)
	}
	singlePath := filepath.Join(dir, SingleFile)
	if _, err := os.Stat(singlePath); err != nil {
		return nil, fmt.Errorf("no %s or %s in %s", SingleFile, IndexFile, dir)
	}
	f, err := Open(singlePath)
	if err != nil {
		return nil, err
	}
	m := &Model{
		Dir:     dir,
		shards:  map[string]*File{SingleFile: f},
		tensors: make(map[string]*File, len(f.Tensors)),
	}
	for name := range f.Tensors {
		m.tensors[name] = f
	}
	return m, nil
}

func openSharded(dir, indexPath string) (*Model, error) {
	raw, err := os.ReadFile(indexPath)
	if err != nil {
		return nil, err
	}
	var idx weightIndex
	if err := json.Unmarshal(raw, &idx); err != nil {
		return nil, fmt.Errorf("parse %s: %w", IndexFile, err)
	}
	if len(idx.WeightMap) == 0 {
		return nil, fmt.Errorf("%s: empty weight_map", IndexFile)
	}

	m := &Model{
		Dir:     dir,
		shards:  make(map[string]*File),
		tensors: make(map[string]*File, len(idx.WeightMap)),
	}
	for name, shard := range idx.WeightMap {
		f, ok := m.shards[shard]
		if !ok {
			f, err = Open(filepath.Join(dir, shard))
			if err != nil {
				return nil, fmt.Errorf("open shard %s: %w", shard, err)
			}
			m.shards[shard] = f
		}
		if _, ok := f.Tensors[name]; !ok {
			return nil, fmt.Errorf("shard %s is missing tensor %s", shard, name)
		}
		m.tensors[name] = f
	}
	return m, nil
}

// Names returns all tensor names in sorted order.
func (m *Model) Names() []string {
	names := make([]string, 0, len(m.tensors))
	for name := range m.tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Model) Tensor(name string) (TensorInfo, bool) {
	f, ok := m.tensors[name]
	if !ok {
		return TensorInfo{}, false
	}
	return f.Tensor(name)
}

func (m *Model) ReadTensorF32(name string) ([]float32, TensorInfo, error) {
	f, ok := m.tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("tensor not found: %s", name)
	}
	return f.ReadTensorF32(name)
}

// Shards returns the shard filenames in sorted order.
func (m *Model) Shards() []string {
	names := make([]string, 0, len(m.shards))
	for name := range m.shards {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
