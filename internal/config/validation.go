package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/refugios/tilecache/internal/calculator"
)

// Validate 校验语义, 防止非法配置启动
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}

	if strings.TrimSpace(c.Cache.Dir) == "" {
		return newFieldError("cache.dir", "must not be empty")
	}
	if strings.ContainsAny(c.Cache.Extension, `/\`) {
		return newFieldError("cache.extension", "must be a bare extension")
	}

	if err := validateTemplate(c.Provider.URLTemplate); err != nil {
		return err
	}
	if c.Provider.ProxyURL != "" {
		if _, err := url.Parse(c.Provider.ProxyURL); err != nil {
			return newFieldError("provider.proxy_url", err.Error())
		}
	}
	if c.Provider.MinFileSize < 0 {
		return newFieldError("provider.min_file_size", "must not be negative")
	}
	if c.Provider.MaxFileSize <= c.Provider.MinFileSize {
		return newFieldError("provider.max_file_size", "must be greater than min_file_size")
	}

	d := c.Download
	switch {
	case d.Workers < 1 || d.Workers > 64:
		return newFieldError("download.workers", "must be in 1-64")
	case d.Retries < 0:
		return newFieldError("download.retries", "must not be negative")
	case d.RetryBackoff <= 0:
		return newFieldError("download.retry_backoff", "must be positive")
	case d.MaxBackoff < d.RetryBackoff:
		return newFieldError("download.max_backoff", "must be at least retry_backoff")
	case d.FetchTimeout <= 0:
		return newFieldError("download.fetch_timeout", "must be positive")
	case d.RateLimit < 0:
		return newFieldError("download.rate_limit", "must not be negative")
	case d.StorageFailureThreshold < 1:
		return newFieldError("download.storage_failure_threshold", "must be at least 1")
	case d.ProgressInterval < 0:
		return newFieldError("download.progress_interval", "must not be negative")
	case d.BatchSize < 1:
		return newFieldError("download.batch_size", "must be at least 1")
	}

	if strings.TrimSpace(c.Server.ListenAddr) == "" {
		return newFieldError("server.listen_addr", "must not be empty")
	}
	if c.Server.LocalBaseURL != "" {
		if u, err := url.Parse(c.Server.LocalBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			return newFieldError("server.local_base_url", "must be an absolute URL")
		}
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return newFieldError("log.level", err.Error())
	}

	if !c.Region.IsZero() {
		if err := calculator.NewTileCalculator().ValidateRegion(c.Region); err != nil {
			return newFieldError("region", err.Error())
		}
	}
	return nil
}

func validateTemplate(template string) error {
	if template == "" {
		return newFieldError("provider.url_template", "must not be empty")
	}
	u, err := url.Parse(strings.NewReplacer("{", "", "}", "").Replace(template))
	if err != nil || u.Scheme == "" {
		return newFieldError("provider.url_template", "must be an absolute URL")
	}
	for _, placeholder := range []string{"{z}", "{x}"} {
		if !strings.Contains(template, placeholder) {
			return newFieldError("provider.url_template", fmt.Sprintf("missing %s", placeholder))
		}
	}
	if !strings.Contains(template, "{y}") && !strings.Contains(template, "{-y}") {
		return newFieldError("provider.url_template", "missing {y} or {-y}")
	}
	return nil
}
