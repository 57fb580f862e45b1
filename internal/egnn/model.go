package egnn

import (
	"fmt"
	"os"
	"path/filepath"
)

// Files of a model directory.
const (
	ConfigFile  = "config.yaml"
	WeightsFile = "model.safetensors"
)

// Open builds the network described by dir/config.yaml and loads
// dir/model.safetensors into it. Tensors in the file that the network does
// not use are returned.
func Open(dir string) (*Network, []string, error) {
	cfg, err := LoadNetworkConfig(filepath.Join(dir, ConfigFile))
	if err != nil {
		return nil, nil, fmt.Errorf("open model %s: %w", dir, err)
	}
	net, err := New(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open model %s: %w", dir, err)
	}
	unused, err := net.params.Load(filepath.Join(dir, WeightsFile))
	if err != nil {
		return nil, nil, fmt.Errorf("open model %s: %w", dir, err)
	}
	return net, unused, nil
}

// Save writes the configuration and weights to dir, creating it if needed.
func (net *Network) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := net.cfg.YAML()
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ConfigFile), data, 0o644); err != nil {
		return err
	}
	return net.params.Save(filepath.Join(dir, WeightsFile), map[string]string{"format": "pt"})
}
