package main

import (
	"flag"
	"github.com/Akash4467/gemma/samplers"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"os"
	"strconv"
	"strings"
)

// Config is the optional YAML configuration file given with --config.
//
// Its values are only used for the flags not explicitly given in the command line. Scalar fields are
// pointers so "not set" can be distinguished from zero values.
type Config struct {
	DataDir         string                 `yaml:"data_dir"`
	Vocab           string                 `yaml:"vocab"`
	Params          string                 `yaml:"params"`
	VocabSize       *int                   `yaml:"vocab_size"`
	MaxTokens       *int                   `yaml:"max_tokens"`
	CacheLength     *int                   `yaml:"cache_length"`
	Seed            *uint64                `yaml:"seed"`
	Echo            *bool                  `yaml:"echo"`
	Policy          *samplers.PolicyConfig `yaml:"policy"`
	ForbiddenTokens []string               `yaml:"forbidden_tokens"`
	MetricsAddr     string                 `yaml:"metrics_addr"`
}

// LoadConfig reads the YAML configuration from configPath.
func LoadConfig(configPath string) (*Config, error) {
	configPath = data.ReplaceTildeInDir(configPath)
	contents, err := os.ReadFile(configPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %q", configPath)
	}
	cfg := &Config{}
	if err = yaml.Unmarshal(contents, cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse config file %q", configPath)
	}
	return cfg, nil
}

// applyConfig sets the flags of fs that were not given in the command line to the values in cfg.
// Flags not defined in fs are ignored.
func applyConfig(fs *flag.FlagSet, cfg *Config) error {
	isSet := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { isSet[f.Name] = true })
	var err error
	apply := func(name, value string) {
		if err != nil || isSet[name] || fs.Lookup(name) == nil {
			return
		}
		if setErr := fs.Set(name, value); setErr != nil {
			err = errors.WithMessagef(setErr, "invalid value %q for %q in config file", value, name)
		}
	}
	applyString := func(name, value string) {
		if value != "" {
			apply(name, value)
		}
	}
	applyString("data", cfg.DataDir)
	applyString("vocab", cfg.Vocab)
	applyString("params", cfg.Params)
	applyString("metrics_addr", cfg.MetricsAddr)
	if cfg.VocabSize != nil {
		apply("vocab_size", strconv.Itoa(*cfg.VocabSize))
	}
	if cfg.MaxTokens != nil {
		apply("max_tokens", strconv.Itoa(*cfg.MaxTokens))
	}
	if cfg.CacheLength != nil {
		apply("cache_length", strconv.Itoa(*cfg.CacheLength))
	}
	if cfg.Seed != nil {
		apply("seed", strconv.FormatUint(*cfg.Seed, 10))
	}
	if cfg.Echo != nil {
		apply("echo", strconv.FormatBool(*cfg.Echo))
	}
	if len(cfg.ForbiddenTokens) > 0 {
		apply("forbidden", strings.Join(cfg.ForbiddenTokens, ","))
	}
	if p := cfg.Policy; p != nil {
		applyString("policy", p.Name)
		if p.Temperature != 0 {
			apply("temperature", strconv.FormatFloat(p.Temperature, 'g', -1, 64))
		}
		if p.TopK != 0 {
			apply("top_k", strconv.Itoa(p.TopK))
		}
		if p.TopP != 0 {
			apply("top_p", strconv.FormatFloat(p.TopP, 'g', -1, 64))
		}
	}
	return err
}
