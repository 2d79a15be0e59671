package resolver

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/refugios/tilecache/internal/model"
	"github.com/refugios/tilecache/internal/store"
)

const template = "https://tile.example.org/{z}/{x}/{y}.png"

type failingChecker struct{}

func (failingChecker) Exists(model.TileKey) (bool, error) {
	return false, errors.New("permission denied")
}

func (failingChecker) Path(key model.TileKey) string {
	return "/nowhere/" + key.String()
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.NewStore(t.TempDir(), "png", nil)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	return s
}

func TestResolveHitAndMiss(t *testing.T) {
	s := newStore(t)
	r := New(s, template, "png", "")
	cached := model.TileKey{Z: 10, X: 500, Y: 380}
	if err := s.Write(context.Background(), cached, []byte("tile")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	hit := r.Resolve(cached)
	if hit.Kind != KindLocal {
		t.Fatalf("expected local, got %+v", hit)
	}
	if !strings.HasPrefix(hit.URI, "file://") || !strings.HasSuffix(hit.URI, "/10/500/380.png") {
		t.Errorf("unexpected local uri %q", hit.URI)
	}

	miss := r.Resolve(model.TileKey{Z: 10, X: 500, Y: 381})
	if miss.Kind != KindNetwork || miss.URL != "https://tile.example.org/10/500/381.png" {
		t.Errorf("unexpected miss %+v", miss)
	}
	if miss.Location() != miss.URL || hit.Location() != hit.URI {
		t.Error("Location should follow the kind")
	}
}

func TestResolveZoomBoundaries(t *testing.T) {
	s := newStore(t)
	r := New(s, template, "png", "")

	tests := []struct {
		name string
		key  model.TileKey
	}{
		{"zoom 0", model.TileKey{Z: 0, X: 0, Y: 0}},
		{"max zoom corner", model.TileKey{Z: 20, X: 1<<20 - 1, Y: 1<<20 - 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.Resolve(tt.key); got.Kind != KindNetwork {
				t.Fatalf("expected network before write, got %+v", got)
			}
			if err := s.Write(context.Background(), tt.key, []byte("x")); err != nil {
				t.Fatalf("Write failed: %v", err)
			}
			if got := r.Resolve(tt.key); got.Kind != KindLocal {
				t.Fatalf("expected local after write, got %+v", got)
			}
		})
	}
}

func TestResolveInvalidKeyIsMiss(t *testing.T) {
	r := New(newStore(t), template, "png", "")
	if got := r.Resolve(model.TileKey{Z: 1, X: 2, Y: 0}); got.Kind != KindNetwork {
		t.Errorf("out of range key should resolve to network, got %+v", got)
	}
}

func TestResolveErrorIsMiss(t *testing.T) {
	r := New(failingChecker{}, template, "png", "")
	got := r.Resolve(model.TileKey{Z: 3, X: 1, Y: 1})
	if got.Kind != KindNetwork {
		t.Errorf("stat error should be a miss, got %+v", got)
	}
}

func TestResolveLocalServer(t *testing.T) {
	s := newStore(t)
	r := New(s, template, "png", "http://127.0.0.1:8765/")
	key := model.TileKey{Z: 5, X: 15, Y: 12}
	s.Write(context.Background(), key, []byte("x"))

	got := r.Resolve(key)
	if got.URI != "http://127.0.0.1:8765/tiles/5/15/12.png" {
		t.Errorf("unexpected uri %q", got.URI)
	}
}
