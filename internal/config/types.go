package config

import (
	"time"

	"github.com/refugios/tilecache/internal/model"
)

// CacheConfig 缓存目录与瓦片格式
type CacheConfig struct {
	Dir       string `mapstructure:"dir"`
	Extension string `mapstructure:"extension"`
}

// ProviderConfig describes the upstream tile server.
type ProviderConfig struct {
	URLTemplate string `mapstructure:"url_template"`
	UserAgent   string `mapstructure:"user_agent"`
	Referer     string `mapstructure:"referer"`
	ProxyURL    string `mapstructure:"proxy_url"`
	UseHTTP2    bool   `mapstructure:"use_http2"`
	MinFileSize int64  `mapstructure:"min_file_size"`
	MaxFileSize int64  `mapstructure:"max_file_size"`
}

// DownloadConfig 批量下载参数
type DownloadConfig struct {
	Workers                 int           `mapstructure:"workers"`
	Retries                 int           `mapstructure:"retries"`
	RetryBackoff            time.Duration `mapstructure:"retry_backoff"`
	MaxBackoff              time.Duration `mapstructure:"max_backoff"`
	FetchTimeout            time.Duration `mapstructure:"fetch_timeout"`
	RateLimit               float64       `mapstructure:"rate_limit"`
	StorageFailureThreshold int           `mapstructure:"storage_failure_threshold"`
	ProgressInterval        time.Duration `mapstructure:"progress_interval"`
	MonitorInterval         time.Duration `mapstructure:"monitor_interval"`
	BatchSize               int           `mapstructure:"batch_size"`
}

// ServerConfig controls the loopback tile server used by the map web view.
type ServerConfig struct {
	ListenAddr    string `mapstructure:"listen_addr"`
	Opportunistic bool   `mapstructure:"opportunistic"`
	// LocalBaseURL, when set, makes resolved local tiles point at the server
	// instead of file:// paths.
	LocalBaseURL string `mapstructure:"local_base_url"`
}

// LogConfig 日志输出
type LogConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// Config 是 TOML 文件映射的整体结构
type Config struct {
	Cache    CacheConfig    `mapstructure:"cache"`
	Provider ProviderConfig `mapstructure:"provider"`
	Download DownloadConfig `mapstructure:"download"`
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	// Region is the default download area; it may be left empty.
	Region model.Region `mapstructure:"region"`
}
