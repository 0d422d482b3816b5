// Package settings loads per-user qext settings: which host interpreter,
// translator and compilers to use when the descriptor does not care.
package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

const envPrefix = "QEXT"

// Settings holds tool overrides. Empty fields mean "discover".
type Settings struct {
	Python    string `mapstructure:"python"`
	Cython    string `mapstructure:"cython"`
	CC        string `mapstructure:"cc"`
	CXX       string `mapstructure:"cxx"`
	Jobs      int    `mapstructure:"jobs"`
	Generator string `mapstructure:"generator"`
	Profile   string `mapstructure:"profile"`
}

// Default returns the settings used when nothing is configured
func Default() *Settings {
	return &Settings{
		Jobs:      runtime.NumCPU(),
		Generator: "qext",
		Profile:   "debug",
	}
}

// DefaultPath returns $QEXT_CONFIG or <user config dir>/qext/config.toml
func DefaultPath() (string, error) {
	if env := os.Getenv("QEXT_CONFIG"); env != "" {
		return env, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "qext", "config.toml"), nil
}

// Load reads the settings file at path (DefaultPath if empty) and applies
// QEXT_* environment overrides. A missing file is not an error.
func Load(path string) (*Settings, error) {
	if path == "" {
		var err error
		path, err = DefaultPath()
		if err != nil {
			return nil, fmt.Errorf("locating settings file: %w", err)
		}
	}

	v := viper.New()
	def := Default()
	v.SetDefault("jobs", def.Jobs)
	v.SetDefault("generator", def.Generator)
	v.SetDefault("profile", def.Profile)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for _, key := range []string{"python", "cython", "cc", "cxx", "jobs", "generator", "profile"} {
		_ = v.BindEnv(key)
	}

	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading settings %s: %w", path, err)
		}
	}

	s := new(Settings)
	if err := v.Unmarshal(s); err != nil {
		return nil, fmt.Errorf("decoding settings %s: %w", path, err)
	}
	if s.Jobs <= 0 {
		s.Jobs = def.Jobs
	}
	return s, nil
}
