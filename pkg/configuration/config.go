// Package configuration loads the reader's YAML configuration document.
package configuration

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/hansallis/apple-home-key-reader/pkg/helpers"
	"github.com/hansallis/apple-home-key-reader/pkg/logger"
	"github.com/hansallis/apple-home-key-reader/pkg/model"

	"github.com/creasty/defaults"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

type envVars struct {
	ConfigYAML string `envconfig:"RDR_CONFIG_YAML" default:"configuration.yaml"`
}

// Parse reads the path named by the RDR_CONFIG_YAML environment variable,
// applies defaults, and validates the result.
func Parse(ctx context.Context, log *logger.Log) (*model.Cfg, error) {
	log.Info("reading environment variable")

	env := envVars{}
	if err := envconfig.Process("", &env); err != nil {
		return nil, err
	}

	cfg := &model.Cfg{}
	if err := defaults.Set(cfg); err != nil {
		return nil, err
	}

	configPath := filepath.Clean(env.ConfigYAML)

	fileInfo, err := os.Stat(configPath)
	if err != nil {
		return nil, err
	}
	if fileInfo.IsDir() {
		return nil, errors.New("configuration path is a directory")
	}

	raw, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, err
	}

	if err := helpers.Check(ctx, cfg, cfg, log); err != nil {
		return nil, err
	}

	return cfg, nil
}
