package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/refugios/tilecache/internal/model"
)

var pngTile = append([]byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}, make([]byte, 256)...)

// nineTileRegion covers x,y in 0..2 at zoom 2.
func nineTileRegion() model.Region {
	return model.Region{MinLon: -170, MinLat: -10, MaxLon: 80, MaxLat: 80, MinZoom: 2, MaxZoom: 2}
}

func captureOutput(t *testing.T) (*bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	var out, errOut bytes.Buffer
	prevOut, prevErr := stdOut, stdErr
	stdOut, stdErr = &out, &errOut
	t.Cleanup(func() { stdOut, stdErr = prevOut, prevErr })
	return &out, &errOut
}

func writeConfig(t *testing.T, upstream string) string {
	t.Helper()
	dir := t.TempDir()
	content := fmt.Sprintf(`
[cache]
dir = %q

[provider]
url_template = "%s/{z}/{x}/{y}.png"
use_http2 = false

[download]
rate_limit = 0
retry_backoff = "1ms"
max_backoff = "5ms"
progress_interval = "0s"

[log]
level = "error"
file_path = %q
`, filepath.Join(dir, "tiles"), upstream, filepath.Join(dir, "logs", "tilecache.log"))
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestParseCLIFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr bool
		check   func(t *testing.T, o cliOptions)
	}{
		{
			name: "no flags",
			args: nil,
			check: func(t *testing.T, o cliOptions) {
				if o.hasRegion {
					t.Error("expected no region")
				}
			},
		},
		{
			name: "full region",
			args: []string{"-min-lon", "-0.9", "-min-lat", "42.5", "-max-lon", "0.3", "-max-lat", "42.9", "-min-zoom", "10", "-max-zoom", "14"},
			check: func(t *testing.T, o cliOptions) {
				if !o.hasRegion || o.region.MinZoom != 10 || o.region.MaxZoom != 14 || o.region.MinLat != 42.5 {
					t.Errorf("unexpected region %+v", o.region)
				}
			},
		},
		{
			name: "zoom defaults",
			args: []string{"-min-lon", "1", "-min-lat", "1", "-max-lon", "2", "-max-lat", "2", "-min-zoom", "6"},
			check: func(t *testing.T, o cliOptions) {
				if o.region.MinZoom != 6 || o.region.MaxZoom != 6 {
					t.Errorf("max zoom should follow min zoom, got %+v", o.region)
				}
			},
		},
		{name: "partial bbox", args: []string{"-min-lon", "1", "-max-lon", "2"}, wantErr: true},
		{name: "zoom without bbox", args: []string{"-max-zoom", "5"}, wantErr: true},
		{name: "negative workers", args: []string{"-workers", "-1"}, wantErr: true},
		{name: "stray argument", args: []string{"extra"}, wantErr: true},
		{name: "unknown flag", args: []string{"-threads", "4"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(ConfigEnv, "")
			opts, err := parseCLIFlags(tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseCLIFlags error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.check != nil {
				tt.check(t, opts)
			}
		})
	}
}

func TestConfigPathFromEnv(t *testing.T) {
	t.Setenv(ConfigEnv, "/etc/refugios/tilecache.toml")
	opts, err := parseCLIFlags(nil)
	if err != nil {
		t.Fatalf("parseCLIFlags failed: %v", err)
	}
	if opts.configPath != "/etc/refugios/tilecache.toml" {
		t.Errorf("expected env config path, got %q", opts.configPath)
	}
}

func TestRunDownloadsRegion(t *testing.T) {
	var hits atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "image/png")
		w.Write(pngTile)
	}))
	defer upstream.Close()

	out, errOut := captureOutput(t)
	opts := cliOptions{
		configPath: writeConfig(t, upstream.URL),
		region:     nineTileRegion(),
		hasRegion:  true,
		workers:    2,
	}

	if code := run(context.Background(), opts); code != 0 {
		t.Fatalf("expected exit 0, got %d: %s", code, errOut.String())
	}
	if hits.Load() != 9 {
		t.Errorf("expected 9 upstream requests, got %d", hits.Load())
	}
	if !strings.Contains(out.String(), "completed") {
		t.Errorf("expected a completed summary, got %q", out.String())
	}

	// 再次运行全部跳过
	if code := run(context.Background(), opts); code != 0 {
		t.Fatalf("rerun: expected exit 0, got %d", code)
	}
	if hits.Load() != 9 {
		t.Errorf("rerun must not hit upstream, got %d requests", hits.Load())
	}

	out.Reset()
	if code := run(context.Background(), cliOptions{configPath: opts.configPath, statusOnly: true}); code != 0 {
		t.Fatalf("status: expected exit 0, got %d", code)
	}
	if !strings.Contains(out.String(), "tiles: 9/9") || !strings.Contains(out.String(), "complete: true") {
		t.Errorf("unexpected status output %q", out.String())
	}
}

func TestRunFailsOnPartialDownload(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/2/1/1.png" {
			http.NotFound(w, r)
			return
		}
		w.Write(pngTile)
	}))
	defer upstream.Close()

	out, _ := captureOutput(t)
	opts := cliOptions{configPath: writeConfig(t, upstream.URL), region: nineTileRegion(), hasRegion: true}
	if code := run(context.Background(), opts); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(out.String(), "incomplete") {
		t.Errorf("expected an incomplete summary, got %q", out.String())
	}
}

func TestRunWithoutRegion(t *testing.T) {
	_, errOut := captureOutput(t)
	opts := cliOptions{configPath: writeConfig(t, "http://127.0.0.1:1")}
	if code := run(context.Background(), opts); code != 2 {
		t.Fatalf("expected exit 2, got %d", code)
	}
	if !strings.Contains(errOut.String(), "no region") {
		t.Errorf("unexpected stderr %q", errOut.String())
	}
}

func TestRunRejectsBadConfig(t *testing.T) {
	captureOutput(t)
	if code := run(context.Background(), cliOptions{configPath: filepath.Join(t.TempDir(), "missing.toml")}); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
}
