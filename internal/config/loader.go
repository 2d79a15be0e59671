package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. TILECACHE_CACHE_DIR.
const EnvPrefix = "TILECACHE"

// Load 读取配置: 默认值, 可选的 TOML 文件, 然后是环境变量覆盖
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absDir, err := filepath.Abs(cfg.Cache.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolve cache dir: %w", err)
	}
	cfg.Cache.Dir = absDir

	return &cfg, nil
}

// Default returns the configuration Load produces with no file and no
// environment overrides.
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cache.dir", "./tiles")
	v.SetDefault("cache.extension", "auto")

	v.SetDefault("provider.url_template", "https://tile.openstreetmap.org/{z}/{x}/{y}.png")
	v.SetDefault("provider.user_agent", "refugios-tilecache/1.0")
	v.SetDefault("provider.referer", "")
	v.SetDefault("provider.proxy_url", "")
	v.SetDefault("provider.use_http2", true)
	v.SetDefault("provider.min_file_size", 100)
	v.SetDefault("provider.max_file_size", 2*1024*1024)

	v.SetDefault("download.workers", 4)
	v.SetDefault("download.retries", 3)
	v.SetDefault("download.retry_backoff", "500ms")
	v.SetDefault("download.max_backoff", "30s")
	v.SetDefault("download.fetch_timeout", "15s")
	v.SetDefault("download.rate_limit", 10)
	v.SetDefault("download.storage_failure_threshold", 5)
	v.SetDefault("download.progress_interval", "250ms")
	v.SetDefault("download.monitor_interval", "10s")
	v.SetDefault("download.batch_size", 1000)

	v.SetDefault("server.listen_addr", "127.0.0.1:8765")
	v.SetDefault("server.opportunistic", true)
	v.SetDefault("server.local_base_url", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file_path", "")
	v.SetDefault("log.max_size", 50)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.compress", true)

	for _, key := range []string{"min_lon", "min_lat", "max_lon", "max_lat", "min_zoom", "max_zoom"} {
		v.SetDefault("region."+key, 0)
	}
}
