package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/flightctl/attestctl/internal/util"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix viper uses when binding environment
// variables, e.g. ATTESTCTL_VERIFIER_QUOTEINTERVAL.
const EnvPrefix = "ATTESTCTL"

// Load builds a Config starting from NewDefault's values, then layers
// an optional YAML file (cfgFile, if non-empty) and environment
// variables on top via viper, following the same
// SetConfigFile/ReadInConfig/Unmarshal sequence
// cmd/flightctl-standalone's quadlet renderer uses. Duration fields
// accept util.ExtendedParseDuration's "d"/"w" suffixes in addition to
// time.ParseDuration's vocabulary.
func Load(cfgFile string) (*Config, error) {
	cfg := NewDefault()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %q: %w", cfgFile, err)
		}
	}

	decodeHook := mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook,
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(cfg, viper.DecodeHook(decodeHook)); err != nil {
		return nil, fmt.Errorf("unmarshaling configuration: %w", err)
	}

	return cfg, nil
}

// durationDecodeHook routes every string->time.Duration conversion
// through util.ExtendedParseDuration instead of mapstructure's default
// time.ParseDuration, so config values like "7d" or "1w" work anywhere
// a time.Duration field appears.
func durationDecodeHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	if to != reflect.TypeOf(time.Duration(0)) {
		return data, nil
	}
	s, ok := data.(string)
	if !ok {
		return data, nil
	}
	return util.ExtendedParseDuration(s)
}
