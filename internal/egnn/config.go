// Package egnn implements an E(n)-equivariant graph neural network whose
// nodes carry a probabilistic position: a mean and a variance (diagonal or
// full covariance) refined layer by layer alongside node features.
package egnn

import (
	"errors"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidConfig = errors.New("invalid config")
	ErrInvalidInput  = errors.New("invalid input")
)

// PoolMethod aggregates edge messages per node.
type PoolMethod string

const (
	PoolSum  PoolMethod = "sum"
	PoolMean PoolMethod = "mean"
)

// LayerConfig configures a single EGNN layer.
type LayerConfig struct {
	// EdgeDim is the width of external edge features fed to the edge MLP.
	// The network sets it from its own edge and adjacency settings.
	EdgeDim int `yaml:"edge_dim"`
	// MDim is the width of edge messages.
	MDim int `yaml:"m_dim"`
	// FourierFeatures encodes the expected squared distance with this many
	// frequencies when DistributionInput is false.
	FourierFeatures int `yaml:"fourier_features"`
	// NumNearestNeighbors restricts every node to its K nearest neighbours;
	// 0 uses every pair.
	NumNearestNeighbors int     `yaml:"num_nearest_neighbors"`
	Dropout             float64 `yaml:"dropout"`
	// InitEps is the standard deviation of linear weight initialisation.
	InitEps            float64 `yaml:"init_eps"`
	NormFeats          bool    `yaml:"norm_feats"`
	NormCoors          bool    `yaml:"norm_coors"`
	NormCoorsScaleInit float64 `yaml:"norm_coors_scale_init"`
	UpdateFeats        bool    `yaml:"update_feats"`
	UpdateCoorsMean    bool    `yaml:"update_coors_mean"`
	UpdateCoorsVar     bool    `yaml:"update_coors_var"`
	// OnlySparseNeighbors selects exactly the adjacency neighbours: K is the
	// largest out-degree in the batch and nothing else is valid.
	OnlySparseNeighbors bool `yaml:"only_sparse_neighbors"`
	// ValidRadius bounds the expected squared distance of valid neighbours.
	ValidRadius float64    `yaml:"valid_radius"`
	PoolMethod  PoolMethod `yaml:"m_pool_method"`
	// SoftEdges gates every message with a learned scalar in [0, 1].
	SoftEdges bool `yaml:"soft_edges"`
	// CoorWeightsClampValue bounds coordinate weights to [-c, c]; 0 disables.
	CoorWeightsClampValue float64 `yaml:"coor_weights_clamp_value"`
	// DistributionInput feeds the raw distance mean and variance to the edge
	// MLP. When false the mean is fourier encoded instead.
	DistributionInput bool `yaml:"distribution_input"`
}

// DefaultLayerConfig returns the layer defaults.
func DefaultLayerConfig() LayerConfig {
	return LayerConfig{
		MDim:               16,
		InitEps:            1e-3,
		NormCoorsScaleInit: 1e-2,
		UpdateFeats:        true,
		UpdateCoorsMean:    true,
		UpdateCoorsVar:     true,
		ValidRadius:        math.Inf(1),
		PoolMethod:         PoolSum,
		DistributionInput:  true,
	}
}

// Validate reports configuration errors wrapped in ErrInvalidConfig.
func (c LayerConfig) Validate() error {
	switch {
	case c.PoolMethod != PoolSum && c.PoolMethod != PoolMean:
		return fmt.Errorf("%w: pool method must be either sum or mean, got %q", ErrInvalidConfig, c.PoolMethod)
	case !c.UpdateFeats && !c.UpdateCoorsMean && !c.UpdateCoorsVar:
		return fmt.Errorf("%w: you must update either features, coordinates mean or variance, or all", ErrInvalidConfig)
	case c.MDim <= 0:
		return fmt.Errorf("%w: m_dim must be positive", ErrInvalidConfig)
	case c.EdgeDim < 0, c.FourierFeatures < 0, c.NumNearestNeighbors < 0:
		return fmt.Errorf("%w: edge_dim, fourier_features and num_nearest_neighbors must not be negative", ErrInvalidConfig)
	case c.Dropout < 0 || c.Dropout >= 1:
		return fmt.Errorf("%w: dropout must be in [0, 1)", ErrInvalidConfig)
	case math.IsNaN(c.ValidRadius):
		return fmt.Errorf("%w: valid_radius is NaN", ErrInvalidConfig)
	case c.CoorWeightsClampValue < 0:
		return fmt.Errorf("%w: coor_weights_clamp_value must not be negative", ErrInvalidConfig)
	}
	return nil
}

func (c LayerConfig) fourierActive() bool {
	return !c.DistributionInput && c.FourierFeatures > 0
}

func (c LayerConfig) restricted() bool {
	return c.NumNearestNeighbors > 0 || c.OnlySparseNeighbors
}

// NetworkConfig configures the layer stack and its embeddings.
type NetworkConfig struct {
	Depth int `yaml:"depth"`
	Dim   int `yaml:"dim"`
	// NumTokens enables a token embedding; inputs are then integer ids.
	NumTokens int `yaml:"num_tokens"`
	// NumEdgeTokens enables an edge embedding of width EdgeDim.
	NumEdgeTokens int `yaml:"num_edge_tokens"`
	// NumPositions enables a learned positional embedding and bounds N.
	NumPositions int `yaml:"num_positions"`
	EdgeDim      int `yaml:"edge_dim"`
	// NumAdjDegrees expands the adjacency matrix to this many hops and
	// embeds the hop count with width AdjDim; 0 disables. A model file
	// disables it by omitting the key.
	NumAdjDegrees int `yaml:"num_adj_degrees,omitempty"`
	AdjDim        int `yaml:"adj_dim"`

	GlobalLinearAttnEvery   int `yaml:"global_linear_attn_every"`
	GlobalLinearAttnHeads   int `yaml:"global_linear_attn_heads"`
	GlobalLinearAttnDimHead int `yaml:"global_linear_attn_dim_head"`
	NumGlobalTokens         int `yaml:"num_global_tokens"`

	// InitSeed seeds parameter initialisation.
	InitSeed int64 `yaml:"init_seed"`

	Layer LayerConfig `yaml:"layer"`
}

// DefaultNetworkConfig returns the network defaults with the given size.
func DefaultNetworkConfig(depth, dim int) NetworkConfig {
	return NetworkConfig{
		Depth:                   depth,
		Dim:                     dim,
		GlobalLinearAttnHeads:   8,
		GlobalLinearAttnDimHead: 64,
		NumGlobalTokens:         4,
		Layer:                   DefaultLayerConfig(),
	}
}

// Validate reports configuration errors wrapped in ErrInvalidConfig.
func (c NetworkConfig) Validate() error {
	switch {
	case c.Depth < 0:
		return fmt.Errorf("%w: depth must not be negative", ErrInvalidConfig)
	case c.Dim <= 0:
		return fmt.Errorf("%w: dim must be positive", ErrInvalidConfig)
	case c.NumAdjDegrees < 0:
		return fmt.Errorf("%w: num_adj_degrees must not be negative (0 disables adjacency expansion)", ErrInvalidConfig)
	case c.NumTokens < 0, c.NumEdgeTokens < 0, c.NumPositions < 0, c.EdgeDim < 0, c.AdjDim < 0:
		return fmt.Errorf("%w: embedding sizes must not be negative", ErrInvalidConfig)
	case c.NumEdgeTokens > 0 && c.EdgeDim == 0:
		return fmt.Errorf("%w: num_edge_tokens requires edge_dim", ErrInvalidConfig)
	}
	if c.GlobalLinearAttnEvery > 0 {
		if c.GlobalLinearAttnHeads <= 0 || c.GlobalLinearAttnDimHead <= 0 || c.NumGlobalTokens <= 0 {
			return fmt.Errorf("%w: global attention needs positive heads, dim_head and num_global_tokens", ErrInvalidConfig)
		}
	}
	if err := c.layerConfig().Validate(); err != nil {
		return fmt.Errorf("layer: %w", err)
	}
	return nil
}

// LayerEdgeDim is the edge feature width every layer consumes.
func (c NetworkConfig) LayerEdgeDim() int {
	w := c.EdgeDim
	if c.NumAdjDegrees > 0 {
		w += c.AdjDim
	}
	return w
}

func (c NetworkConfig) layerConfig() LayerConfig {
	lc := c.Layer
	lc.EdgeDim = c.LayerEdgeDim()
	lc.NormFeats = true
	return lc
}

func (c NetworkConfig) globalLayer(i int) bool {
	return c.GlobalLinearAttnEvery > 0 && i%c.GlobalLinearAttnEvery == 0
}

// LoadNetworkConfig reads a YAML model definition. Fields missing from the
// file keep their defaults.
func LoadNetworkConfig(path string) (NetworkConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return NetworkConfig{}, err
	}
	return ParseNetworkConfig(data)
}

// ParseNetworkConfig decodes and validates a YAML model definition.
func ParseNetworkConfig(data []byte) (NetworkConfig, error) {
	cfg := DefaultNetworkConfig(0, 0)
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return NetworkConfig{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	var explicit struct {
		NumAdjDegrees *int `yaml:"num_adj_degrees"`
	}
	if err := yaml.Unmarshal(data, &explicit); err == nil && explicit.NumAdjDegrees != nil && *explicit.NumAdjDegrees < 1 {
		return NetworkConfig{}, fmt.Errorf("%w: num_adj_degrees must be at least 1, omit it to disable adjacency expansion", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return NetworkConfig{}, err
	}
	return cfg, nil
}

// YAML encodes the config as a model definition.
func (c NetworkConfig) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
