package client

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/refugios/tilecache/internal/model"
	"github.com/refugios/tilecache/internal/util"
)

const defaultMaxFileSize = 2 << 20

// URLFor returns the provider URL of a tile.
func (c *HTTPClient) URLFor(key model.TileKey) string {
	return util.GetTileURL(c.config.URLTemplate, key)
}

// FetchTileBytes downloads one tile. Non-2xx responses are *HTTPError and
// bodies that are not images wrap ErrInvalidTile.
func (c *HTTPClient) FetchTileBytes(ctx context.Context, key model.TileKey) ([]byte, error) {
	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	tileURL := c.URLFor(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}
	req.Header.Set("Accept", "image/webp,image/apng,image/*,*/*;q=0.8")
	if c.config.Referer != "" {
		req.Header.Set("Referer", c.config.Referer)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer SafeCloseResponse(resp)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, URL: tileURL}
	}

	maxSize := c.config.MaxFileSize
	if maxSize <= 0 {
		maxSize = defaultMaxFileSize
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(data)) > maxSize {
		return nil, fmt.Errorf("%w: larger than %d bytes", ErrInvalidTile, maxSize)
	}
	if !util.ValidateFileFormat(data, c.config.MinFileSize, maxSize) {
		return nil, fmt.Errorf("%w: %d bytes from %s", ErrInvalidTile, len(data), key)
	}
	return data, nil
}
