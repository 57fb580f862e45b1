package nn

import (
	"fmt"
	"slices"

	"github.com/samcharles93/pdc/internal/safetensors"
)

// Save writes every parameter to a safetensors file at path.
func (p *Params) Save(path string, metadata map[string]string) error {
	entries := make([]safetensors.Entry, 0, len(p.names))
	for _, name := range p.names {
		t := p.tensors[name]
		entries = append(entries, safetensors.Entry{Name: name, Shape: t.Shape, Data: t.Data})
	}
	if err := safetensors.WriteF32(path, entries, metadata); err != nil {
		return fmt.Errorf("save params: %w", err)
	}
	return nil
}

// Load overwrites every registered parameter with the tensor of the same
// name in the safetensors file at path. Missing tensors and shape
// mismatches are errors; extra tensors in the file are returned so callers
// can report them.
func (p *Params) Load(path string) (unused []string, err error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load params: %w", err)
	}
	for _, name := range p.names {
		t := p.tensors[name]
		info, ok := f.Tensor(name)
		if !ok {
			return nil, fmt.Errorf("load params: %w: %s", ErrMissingTensor, name)
		}
		if !sameShape(info.Shape, t.Shape) {
			return nil, fmt.Errorf("load params: %w: %s has %v, want %v", ErrShapeMismatch, name, info.Shape, t.Shape)
		}
		data, _, err := f.ReadTensorF32(name)
		if err != nil {
			return nil, fmt.Errorf("load params: %w", err)
		}
		copy(t.Data, data)
	}
	for _, name := range f.Names() {
		if _, ok := p.tensors[name]; !ok {
			unused = append(unused, name)
		}
	}
	return unused, nil
}

// sameShape treats a scalar and a single element vector as equal; PyTorch
// exports 1-element parameters either way.
func sameShape(a, b []int) bool {
	if slices.Equal(a, b) {
		return true
	}
	n := func(s []int) int {
		v := 1
		for _, d := range s {
			v *= d
		}
		return v
	}
	return len(a) <= 1 && len(b) <= 1 && n(a) == 1 && n(b) == 1
}
