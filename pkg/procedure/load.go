package procedure

import (
	"fmt"
	"io"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Load reads a procedure definition from a JSON or YAML file.
func Load(path string) (*Definition, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read procedure failed: %w", err)
	}
	return decode(v)
}

// Parse reads a procedure definition in the given format ("json" or "yaml").
func Parse(r io.Reader, format string) (*Definition, error) {
	v := viper.New()
	v.SetConfigType(format)
	if err := v.ReadConfig(r); err != nil {
		return nil, fmt.Errorf("read procedure failed: %w", err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Definition, error) {
	var def Definition
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
	))
	if err := v.Unmarshal(&def, hook); err != nil {
		return nil, fmt.Errorf("unmarshal procedure failed: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}
