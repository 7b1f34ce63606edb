// Package config loads nvencctl settings from a YAML file and NVENC_*
// environment variables.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/thesyncim/nvenc"
)

// EnvPrefix is prepended to every environment override (NVENC_LOG_LEVEL,
// NVENC_RUNTIME_DIRECTORY, ...).
const EnvPrefix = "NVENC"

// FileName is the config file base name searched for when no explicit
// path is given.
const FileName = "nvencctl"

type Runtime struct {
	Directory string `mapstructure:"directory" yaml:"directory"`
	Library   string `mapstructure:"library" yaml:"library"`
}

type Sinks struct {
	OutputDir  string `mapstructure:"output_dir" yaml:"output_dir"`
	RTPAddress string `mapstructure:"rtp_address" yaml:"rtp_address"`
	RTPMTU     int    `mapstructure:"rtp_mtu" yaml:"rtp_mtu"`
	RTMPURL    string `mapstructure:"rtmp_url" yaml:"rtmp_url"`
}

type Config struct {
	LogLevel string         `mapstructure:"log_level" yaml:"log_level"`
	Runtime  Runtime        `mapstructure:"runtime" yaml:"runtime"`
	Encoder  nvenc.Settings `mapstructure:"encoder" yaml:"encoder"`
	Sinks    Sinks          `mapstructure:"sinks" yaml:"sinks"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Encoder:  nvenc.DefaultSettings(),
		Sinks: Sinks{
			RTPMTU: 1200,
		},
	}
}

// Load reads cfgFile, or nvencctl.yaml from the user config directory and
// the working directory. A missing file is not an error.
func Load(cfgFile string) (*Config, error) {
	return load(viper.New(), cfgFile)
}

func load(v *viper.Viper, cfgFile string) (*Config, error) {
	cfg := DefaultConfig()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		if dir := configDir(); dir != "" {
			v.AddConfigPath(dir)
		}
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(cfg, hook); err != nil {
		return nil, err
	}
	return cfg, nil
}

// bindEnv registers the keys that have no file value so AutomaticEnv can
// still resolve them during Unmarshal.
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"log_level",
		"runtime.directory",
		"runtime.library",
		"sinks.output_dir",
		"sinks.rtp_address",
		"sinks.rtp_mtu",
		"sinks.rtmp_url",
		"encoder.codec",
		"encoder.output_name",
		"encoder.d3d12_interop",
	} {
		_ = v.BindEnv(key)
	}
}

func configDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "nvenc")
}
