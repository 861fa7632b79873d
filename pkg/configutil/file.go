package configutil

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. SPEECHSDK_USP_REGION.
const EnvPrefix = "SPEECHSDK"

// LoadFile reads a YAML/JSON/TOML file into a nested settings map.
// Environment variables override keys that already exist in the file.
func LoadFile(path string, defaults map[string]any) (map[string]any, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	out := make(map[string]any)
	for _, key := range v.AllKeys() {
		setNested(out, strings.Split(key, "."), v.Get(key))
	}
	return out, nil
}

// Section returns the nested map stored under key, or nil.
func Section(settings map[string]any, key string) map[string]any {
	raw, ok := settings[strings.ToLower(key)]
	if !ok {
		return nil
	}
	m, _ := raw.(map[string]any)
	return m
}

func setNested(dst map[string]any, path []string, value any) {
	for i, part := range path {
		if i == len(path)-1 {
			dst[part] = value
			return
		}
		next, ok := dst[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			dst[part] = next
		}
		dst = next
	}
}
