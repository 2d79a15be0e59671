// Package resolver decides at render time whether a tile is served from the
// local cache or from the network.
package resolver

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/refugios/tilecache/internal/model"
	"github.com/refugios/tilecache/internal/util"
)

// Kind tells where a tile comes from.
type Kind string

const (
	KindLocal   Kind = "local"
	KindNetwork Kind = "network"
)

// Resolution is the source chosen for one tile.
type Resolution struct {
	Kind Kind   `json:"kind"`
	URI  string `json:"uri,omitempty"`
	URL  string `json:"url,omitempty"`
}

// Location returns the URI for local tiles and the URL otherwise.
func (r Resolution) Location() string {
	if r.Kind == KindLocal {
		return r.URI
	}
	return r.URL
}

// TileChecker answers whether a tile is on disk.
type TileChecker interface {
	Exists(key model.TileKey) (bool, error)
	Path(key model.TileKey) string
}

// Resolver maps tile keys to a local URI or a provider URL. It only stats
// files and never waits on a download.
type Resolver struct {
	tiles       TileChecker
	urlTemplate string
	ext         string
	// localBase, when set, makes local URIs point at the loopback tile server
	// instead of file:// paths.
	localBase string
}

// New creates a resolver. localBaseURL may be empty.
func New(tiles TileChecker, urlTemplate, ext, localBaseURL string) *Resolver {
	return &Resolver{
		tiles:       tiles,
		urlTemplate: urlTemplate,
		ext:         util.NormalizeExtension(ext),
		localBase:   strings.TrimRight(localBaseURL, "/"),
	}
}

// Resolve returns a local URI when the tile file exists. Any stat error is
// treated as a miss.
func (r *Resolver) Resolve(key model.TileKey) Resolution {
	if ok, err := r.tiles.Exists(key); err == nil && ok {
		return Resolution{Kind: KindLocal, URI: r.localURI(key)}
	}
	return Resolution{Kind: KindNetwork, URL: util.GetTileURL(r.urlTemplate, key)}
}

// NetworkURL returns the provider URL regardless of the cache.
func (r *Resolver) NetworkURL(key model.TileKey) string {
	return util.GetTileURL(r.urlTemplate, key)
}

func (r *Resolver) localURI(key model.TileKey) string {
	if r.localBase != "" {
		return fmt.Sprintf("%s/tiles/%s", r.localBase, util.PathFor(key, r.ext))
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(r.tiles.Path(key))}
	return u.String()
}
