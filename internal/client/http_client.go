// Package client 提供HTTP客户端与瓦片抓取
package client

import (
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
)

const (
	// MaxIdleConns 最大空闲连接数
	MaxIdleConns = 100
	// MaxIdleConnsPerHost 每个主机的最大空闲连接数
	MaxIdleConnsPerHost = 16
	// MaxConnsPerHost 每个主机的最大连接数
	MaxConnsPerHost = 16
	// IdleConnTimeout 空闲连接超时时间
	IdleConnTimeout = 30 * time.Second
	// DialTimeout 建连超时
	DialTimeout = 15 * time.Second
)

// HTTPClient HTTP客户端封装
type HTTPClient struct {
	client *http.Client
	config Config
}

// Config HTTP客户端配置
type Config struct {
	URLTemplate string
	UserAgent   string
	Referer     string
	ProxyURL    string
	UseHTTP2    bool
	// Timeout bounds one fetch including the body read.
	Timeout     time.Duration
	MinFileSize int64
	MaxFileSize int64
}

// NewHTTPClient 创建新的HTTP客户端
func NewHTTPClient(config Config, logger *logrus.Entry) *HTTPClient {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &HTTPClient{
		config: config,
		client: createHTTPClient(config, logger.WithField("component", "client")),
	}
}

// createHTTPClient 创建HTTP客户端
func createHTTPClient(config Config, logger *logrus.Entry) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     config.UseHTTP2,
		MaxIdleConns:          MaxIdleConns,
		MaxIdleConnsPerHost:   MaxIdleConnsPerHost,
		MaxConnsPerHost:       MaxConnsPerHost,
		IdleConnTimeout:       IdleConnTimeout,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 5 * time.Second,
		DisableCompression:    true,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}

	// 设置代理
	if config.ProxyURL != "" {
		proxyURL, err := url.Parse(config.ProxyURL)
		if err != nil {
			logger.WithError(err).Warn("ignoring invalid proxy url")
		} else {
			transport.Proxy = http.ProxyURL(proxyURL)
			logger.WithField("proxy", proxyURL.Host).Info("proxy configured")
		}
	}

	if config.UseHTTP2 {
		if err := http2.ConfigureTransport(transport); err != nil {
			logger.WithError(err).Warn("http2 transport setup failed, using http/1.1")
		}
	}

	// The per-fetch deadline lives on the request context.
	return &http.Client{Transport: transport}
}

// GetClient 获取HTTP客户端
func (c *HTTPClient) GetClient() *http.Client {
	return c.client
}

// CloseIdleConnections releases pooled connections.
func (c *HTTPClient) CloseIdleConnections() {
	c.client.CloseIdleConnections()
}

// SafeCloseResponse 安全关闭响应体
func SafeCloseResponse(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
}
