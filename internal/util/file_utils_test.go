package util

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/refugios/tilecache/internal/model"
)

func TestPathFor(t *testing.T) {
	tests := []struct {
		key  model.TileKey
		ext  string
		want string
	}{
		{model.TileKey{Z: 0, X: 0, Y: 0}, "png", "0/0/0.png"},
		{model.TileKey{Z: 10, X: 843, Y: 387}, ".jpg", "10/843/387.jpg"},
		{model.TileKey{Z: 3, X: 7, Y: 1}, "", "3/7/1.png"},
	}

	for _, tt := range tests {
		if got := PathFor(tt.key, tt.ext); got != tt.want {
			t.Errorf("PathFor(%v, %q) = %q, want %q", tt.key, tt.ext, got, tt.want)
		}
	}
}

func TestParseTilePath(t *testing.T) {
	key := model.TileKey{Z: 12, X: 2101, Y: 1460}
	got, ext, ok := ParseTilePath(PathFor(key, "webp"))
	if !ok || got != key || ext != "webp" {
		t.Fatalf("ParseTilePath round trip = %v %q %v", got, ext, ok)
	}

	for _, rel := range []string{
		"metadata.json",
		"1/0/.tile-123",
		"1/0/0",
		"a/b/c.png",
		"1/2/0.png",
		"1/0/0/0.png",
	} {
		if _, _, ok := ParseTilePath(rel); ok {
			t.Errorf("ParseTilePath(%q) should fail", rel)
		}
	}
}

func TestGetTileURL(t *testing.T) {
	key := model.TileKey{Z: 3, X: 2, Y: 1}

	tests := []struct {
		template string
		want     string
	}{
		{"https://tile.example.com/{z}/{x}/{y}.png", "https://tile.example.com/3/2/1.png"},
		{"https://tms.example.com/{z}/{x}/{-y}.png", "https://tms.example.com/3/2/6.png"},
		{"https://{s}.tile.example.com/{z}/{x}/{y}.png", "https://a.tile.example.com/3/2/1.png"},
		{"https://arcgis.example.com/tile/{z}/{y}/{x}", "https://arcgis.example.com/tile/3/1/2"},
	}

	for _, tt := range tests {
		if got := GetTileURL(tt.template, key); got != tt.want {
			t.Errorf("GetTileURL(%q) = %q, want %q", tt.template, got, tt.want)
		}
	}
}

func TestGetFileExtension(t *testing.T) {
	tests := []struct {
		template, outputType, want string
	}{
		{"https://example.com/{z}/{x}/{y}.jpg?key=abc", "", "jpg"},
		{"https://example.com/{z}/{x}/{y}", "", "png"},
		{"https://example.com/{z}/{x}/{y}.png", "webp", "webp"},
		{"https://example.com/{z}/{x}/{y}.PNG", "auto", "png"},
	}

	for _, tt := range tests {
		if got := GetFileExtension(tt.template, tt.outputType); got != tt.want {
			t.Errorf("GetFileExtension(%q, %q) = %q, want %q", tt.template, tt.outputType, got, tt.want)
		}
	}
}

func TestValidateFileFormat(t *testing.T) {
	png := append([]byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}, make([]byte, 200)...)
	jpg := append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, make([]byte, 200)...)
	html := []byte("<html><body>404 not found</body></html>")

	tests := []struct {
		name string
		data []byte
		want bool
	}{
		{"png", png, true},
		{"jpg", jpg, true},
		{"html error page", html, false},
		{"too short", []byte{0x89, 'P'}, false},
		{"unknown but sized", make([]byte, 500), true},
		{"unknown too small", make([]byte, 50), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidateFileFormat(tt.data, 100, 2048); got != tt.want {
				t.Errorf("ValidateFileFormat = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "a", "b", "tile.png")

	if err := WriteFileAtomic(target, []byte("first"), ".tile-*"); err != nil {
		t.Fatalf("WriteFileAtomic failed: %v", err)
	}
	if err := WriteFileAtomic(target, []byte("second"), ".tile-*"); err != nil {
		t.Fatalf("WriteFileAtomic overwrite failed: %v", err)
	}

	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "second" {
		t.Errorf("Expected second, got %q", data)
	}

	entries, err := os.ReadDir(filepath.Dir(target))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("Expected only the target file, found %d entries", len(entries))
	}
}

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "x.png")
	os.WriteFile(file, []byte("x"), 0o644)

	if ok, err := FileExists(file); !ok || err != nil {
		t.Errorf("FileExists(file) = %v, %v", ok, err)
	}
	if ok, err := FileExists(dir); ok || err != nil {
		t.Errorf("FileExists(dir) = %v, %v", ok, err)
	}
	if ok, err := FileExists(filepath.Join(dir, "missing")); ok || err != nil {
		t.Errorf("FileExists(missing) = %v, %v", ok, err)
	}
}

func TestErrorStats(t *testing.T) {
	es := NewErrorStats()
	if es.HasErrors() {
		t.Fatal("new ErrorStats should be empty")
	}

	es.RecordError(nil)
	es.RecordError(errors.New("HTTP 404"))
	es.RecordError(errors.New("HTTP 404"))
	es.RecordError(fmt.Errorf("fetch: %w", errors.New("dial tcp: connection refused")))
	es.RecordError(errors.New("HTTP 503"))

	stats := es.GetErrorStats()
	if stats["HTTP 404 not found"] != 2 {
		t.Errorf("Expected 2 not-found errors, got %d", stats["HTTP 404 not found"])
	}
	if stats["connection refused"] != 1 || stats["HTTP 5xx server error"] != 1 {
		t.Errorf("unexpected stats %v", stats)
	}

	summary := es.Summary()
	if len(summary) != 3 || summary[0].Reason != "HTTP 404 not found" {
		t.Errorf("unexpected summary %v", summary)
	}
}
