// Package nn holds the learnable building blocks of the network and the
// parameter store that owns their tensors.
package nn

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/samcharles93/pdc/internal/tensor"
)

var (
	ErrMissingTensor = errors.New("missing tensor")
	ErrShapeMismatch = errors.New("tensor shape mismatch")
)

// Params is an ordered, named collection of parameter tensors. Names follow
// the dotted module paths of a PyTorch state_dict so exported checkpoints
// can be loaded directly.
//
// Params is mutated only while the network is built or weights are loaded.
// Forward passes treat it as read-only and may run concurrently.
type Params struct {
	names   []string
	tensors map[string]*tensor.Tensor
	rng     *rand.Rand
}

// NewParams returns an empty store whose initialisers draw from a source
// seeded with seed.
func NewParams(seed int64) *Params {
	return &Params{
		tensors: make(map[string]*tensor.Tensor),
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// Add registers a zero tensor under name. Registering a name twice panics:
// it is always a construction bug.
func (p *Params) Add(name string, shape ...int) *tensor.Tensor {
	if _, ok := p.tensors[name]; ok {
		panic(fmt.Sprintf("nn: parameter %q registered twice", name))
	}
	t := tensor.New(shape...)
	p.tensors[name] = t
	p.names = append(p.names, name)
	return t
}

// Get returns the tensor registered under name.
func (p *Params) Get(name string) (*tensor.Tensor, bool) {
	t, ok := p.tensors[name]
	return t, ok
}

// Names returns parameter names in registration order.
func (p *Params) Names() []string {
	return append([]string(nil), p.names...)
}

// NumElements returns the total number of scalar parameters.
func (p *Params) NumElements() int {
	n := 0
	for _, t := range p.tensors {
		n += t.Len()
	}
	return n
}

func (p *Params) normal(t *tensor.Tensor, std float64) {
	tensor.FillNormal(t.Data, std, p.rng)
}

func (p *Params) uniform(t *tensor.Tensor, bound float64) {
	tensor.FillUniform(t.Data, bound, p.rng)
}

// Scope prefixes parameter names for a sub-module.
type Scope struct {
	params *Params
	prefix string
}

// Root returns the unprefixed scope of p.
func (p *Params) Root() Scope {
	return Scope{params: p}
}

// Sub returns a nested scope; Sub("edge_mlp") of "layers.0.1" names
// parameters "layers.0.1.edge_mlp.*".
func (s Scope) Sub(name string) Scope {
	return Scope{params: s.params, prefix: s.join(name)}
}

// Name returns the fully qualified name of a parameter in this scope.
func (s Scope) Name(name string) string {
	return s.join(name)
}

// Params returns the underlying store.
func (s Scope) Params() *Params {
	return s.params
}

func (s Scope) add(name string, shape ...int) *tensor.Tensor {
	return s.params.Add(s.join(name), shape...)
}

func (s Scope) join(name string) string {
	if s.prefix == "" {
		return name
	}
	return s.prefix + "." + name
}

// Normal registers a free-standing parameter drawn from N(0, std²).
func (s Scope) Normal(name string, std float64, shape ...int) *tensor.Tensor {
	t := s.add(name, shape...)
	s.params.normal(t, std)
	return t
}
