package config

import (
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"tickrelay.com/pkg/logger"
)

// Load reads {service}.yaml from paths (default ./config and .) into out.
// Environment variables override keys: with service "relaybot",
// RELAYBOT_FEED_BASE_URL overrides feed.base_url.
func Load(service string, out interface{}, paths ...string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigName(service)
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{"./config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvPrefix(strings.ToUpper(service))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(out); err != nil {
		return nil, err
	}
	return v, nil
}

// LoadAndWatch is Load plus a file watch. out is filled once; on every change
// onChange receives the reloaded viper so callers pick the keys that are safe
// to apply at runtime instead of rewriting a struct other goroutines read.
func LoadAndWatch(service string, out interface{}, onChange func(v *viper.Viper), paths ...string) (*viper.Viper, error) {
	v, err := Load(service, out, paths...)
	if err != nil {
		return nil, err
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		logger.Log.Info("config file changed", zap.String("service", service), zap.String("file", e.Name))
		if onChange != nil {
			onChange(v)
		}
	})
	v.WatchConfig()

	return v, nil
}
