// Package loaders picks the configuration source for the service.
package loaders

import (
	"context"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/ahrav/taskpulse/internal/config"
	"github.com/ahrav/taskpulse/internal/config/envloader"
	"github.com/ahrav/taskpulse/internal/config/fileloader"
)

// New returns a file loader when path is set and an environment/flag loader
// otherwise.
func New(path string, fs *pflag.FlagSet) config.Loader {
	if path != "" {
		return fileloader.NewFileLoader(path)
	}
	return envloader.NewEnvLoader(fs)
}

// Load loads and validates the configuration.
func Load(ctx context.Context, path string, fs *pflag.FlagSet) (*config.Config, error) {
	cfg, err := New(path, fs).Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
