// ffqueue/config/config.go
package config

import (
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	FFBin            string        `mapstructure:"FF_BIN"`
	FFProbeBin       string        `mapstructure:"FF_PROBE_BIN"`
	FFTimeout        time.Duration `mapstructure:"FF_TIMEOUT"`
	ProbeTimeout     time.Duration `mapstructure:"PROBE_TIMEOUT"`
	MaxInputSize     int64         `mapstructure:"MAX_INPUT_SIZE"`
	ThrottleCPU      float64       `mapstructure:"THROTTLE_CPU"`
	ThrottleFreeMem  int64         `mapstructure:"THROTTLE_FREEMEM"`
	ThrottleFreeDisk int64         `mapstructure:"THROTTLE_FREEDISK"`
	AuthEnable       bool          `mapstructure:"AUTH_ENABLE"`
	AuthKey          string        `mapstructure:"AUTH_KEY"`
	Port             string        `mapstructure:"PORT"`
	OutputDir        string        `mapstructure:"OUTPUT_DIR"`
	OutputExt        string        `mapstructure:"OUTPUT_EXT"`
	DefaultOptions   string        `mapstructure:"DEFAULT_OPTIONS"`
	WatchDir         string        `mapstructure:"WATCH_DIR"`
	AutoStart        bool          `mapstructure:"AUTO_START"`
	LogLevel         string        `mapstructure:"LOG_LEVEL"`
}

// stringToDurationHookFunc is a custom Viper hook for parsing Go's duration strings.
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		return time.ParseDuration(data.(string))
	}
}

// stringToByteSizeHookFunc is a custom Viper hook for parsing human-readable size strings.
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}

		var size datasize.ByteSize
		err := size.UnmarshalText([]byte(data.(string)))
		if err != nil {
			// Not a valid size string, let other parsers handle it.
			return data, nil
		}

		return int64(size.Bytes()), nil
	}
}

func Load() (*Config, error) {
	vp := viper.New()

	// Defaults are strings where a hook does the conversion.
	vp.SetDefault("FF_BIN", "ffmpeg")
	vp.SetDefault("FF_PROBE_BIN", "ffprobe")
	vp.SetDefault("FF_TIMEOUT", "12h")
	vp.SetDefault("PROBE_TIMEOUT", "15s")
	vp.SetDefault("MAX_INPUT_SIZE", "50GB")
	vp.SetDefault("THROTTLE_CPU", 5.0)
	vp.SetDefault("THROTTLE_FREEMEM", "200MB")
	vp.SetDefault("THROTTLE_FREEDISK", "500MB")
	vp.SetDefault("AUTH_ENABLE", false)
	vp.SetDefault("AUTH_KEY", "123456")
	vp.SetDefault("PORT", "8080")
	vp.SetDefault("OUTPUT_DIR", "")
	vp.SetDefault("OUTPUT_EXT", "mkv")
	vp.SetDefault("DEFAULT_OPTIONS", "-c:v libx264 -crf 23 -c:a aac")
	vp.SetDefault("WATCH_DIR", "")
	vp.SetDefault("AUTO_START", false)
	vp.SetDefault("LOG_LEVEL", "info")

	vp.SetConfigName("ffqueue_config")
	vp.SetConfigType("yaml")
	vp.AddConfigPath(".")
	vp.AddConfigPath("/etc/ffqueue/")

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	vp.SetEnvPrefix("FFQUEUE")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	var cfg Config
	// The first hook that converts the value wins.
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
		),
	))
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
