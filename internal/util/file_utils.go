// Package util 提供瓦片路径编码与文件工具函数
package util

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/refugios/tilecache/internal/model"
)

var subdomains = []string{"a", "b", "c"}

// NormalizeExtension returns ext without a leading dot, defaulting to png.
func NormalizeExtension(ext string) string {
	ext = strings.TrimPrefix(strings.TrimSpace(ext), ".")
	if ext == "" {
		return "png"
	}
	return strings.ToLower(ext)
}

// GetFileExtension 从URL模板推断扩展名
func GetFileExtension(urlTemplate, outputType string) string {
	if outputType != "auto" && outputType != "" {
		return NormalizeExtension(outputType)
	}

	url := urlTemplate
	if idx := strings.Index(url, "?"); idx != -1 {
		url = url[:idx]
	}

	return NormalizeExtension(path.Ext(url))
}

// ValidateFileFormat 验证瓦片内容
func ValidateFileFormat(data []byte, minFileSize, maxFileSize int64) bool {
	if len(data) < 8 {
		return false
	}

	// PNG
	if data[0] == 0x89 && data[1] == 'P' && data[2] == 'N' && data[3] == 'G' {
		return true
	}

	// JPG
	if data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF {
		return true
	}

	// WEBP
	if len(data) >= 12 && data[0] == 'R' && data[1] == 'I' && data[2] == 'F' &&
		data[3] == 'F' && data[8] == 'W' && data[9] == 'E' && data[10] == 'B' &&
		data[11] == 'P' {
		return true
	}

	// 排除错误页面
	content := strings.ToLower(string(data[:min(100, len(data))]))
	if strings.Contains(content, "error") ||
		strings.Contains(content, "not found") ||
		strings.Contains(content, "forbidden") ||
		strings.HasPrefix(content, "<!doctype") ||
		strings.HasPrefix(content, "<html") {
		return false
	}

	if minFileSize > 0 && int64(len(data)) < minFileSize {
		return false
	}
	return maxFileSize <= 0 || int64(len(data)) <= maxFileSize
}

// GetTileURL 获取瓦片URL
func GetTileURL(urlTemplate string, key model.TileKey) string {
	url := urlTemplate
	url = strings.ReplaceAll(url, "{x}", strconv.Itoa(key.X))
	url = strings.ReplaceAll(url, "{-y}", strconv.Itoa((1<<key.Z)-key.Y-1))
	url = strings.ReplaceAll(url, "{y}", strconv.Itoa(key.Y))
	url = strings.ReplaceAll(url, "{z}", strconv.Itoa(key.Z))
	url = strings.ReplaceAll(url, "{s}", subdomains[(key.X+key.Y)%len(subdomains)])
	return url
}

// PathFor returns the slash separated relative path z/x/y.ext of a tile.
// Changing this layout orphans every tile already on disk.
func PathFor(key model.TileKey, ext string) string {
	return fmt.Sprintf("%d/%d/%d.%s", key.Z, key.X, key.Y, NormalizeExtension(ext))
}

// ParseTilePath is the inverse of PathFor.
func ParseTilePath(rel string) (model.TileKey, string, bool) {
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 3 {
		return model.TileKey{}, "", false
	}
	name := parts[2]
	ext := path.Ext(name)
	if ext == "" {
		return model.TileKey{}, "", false
	}
	z, errZ := strconv.Atoi(parts[0])
	x, errX := strconv.Atoi(parts[1])
	y, errY := strconv.Atoi(strings.TrimSuffix(name, ext))
	if errZ != nil || errX != nil || errY != nil {
		return model.TileKey{}, "", false
	}
	key := model.TileKey{Z: z, X: x, Y: y}
	if !key.Valid() {
		return model.TileKey{}, "", false
	}
	return key, strings.TrimPrefix(ext, "."), true
}

// EnsureDirExists 确保目录存在
func EnsureDirExists(dir string) error {
	return os.MkdirAll(dir, 0o755)
}

// WriteFileAtomic writes data to a temp file in the target directory and
// renames it over filePath, so readers never observe a partial file.
func WriteFileAtomic(filePath string, data []byte, tempPattern string) error {
	dir := filepath.Dir(filePath)
	if err := EnsureDirExists(dir); err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(data)
	if err == nil {
		err = tempFile.Sync()
	}
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Chmod(tempName, 0o644)
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

// FileExists reports whether path names a regular file.
func FileExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.Mode().IsRegular(), nil
}
