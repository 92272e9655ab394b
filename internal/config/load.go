package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the process config at path. A missing file keeps os.ErrNotExist
// in the chain so binaries can fall back to defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := LoadFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromBytes decodes, expands ${VAR} references, fills defaults and
// validates, in that order.
func LoadFromBytes(data []byte) (*Config, error) {
	cfg := new(Config)
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.ExpandEnv(); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) ExpandEnv() error {
	fields := []struct {
		name string
		ptr  *string
	}{
		{"listen.address", &c.Listen.Address},
		{"listen.tls.cert", &c.Listen.TLS.Cert},
		{"listen.tls.key", &c.Listen.TLS.Key},
		{"listen.tls.client_ca", &c.Listen.TLS.ClientCA},
		{"directory.host", &c.Directory.Host},
		{"directory.ca", &c.Directory.CA},
		{"store.path", &c.Store.Path},
	}
	for _, f := range fields {
		expanded, err := ExpandEnvStrict(*f.ptr)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		*f.ptr = expanded
	}
	return nil
}
