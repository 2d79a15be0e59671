package calculator

import (
	"iter"
	"math"

	"github.com/refugios/tilecache/internal/model"
)

const (
	// MaxZoomLevel is the deepest zoom a region may request.
	MaxZoomLevel = 20
	// MaxLatitude is the Web Mercator latitude limit.
	MaxLatitude = 85.05112878
)

type TileCalculator struct{}

func NewTileCalculator() *TileCalculator {
	return &TileCalculator{}
}

// TileRange is the inclusive x/y span of a region at one zoom level.
type TileRange struct {
	Zoom       int
	MinX, MinY int
	MaxX, MaxY int
}

func (r TileRange) Count() int {
	return (r.MaxX - r.MinX + 1) * (r.MaxY - r.MinY + 1)
}

// Ranges returns one TileRange per zoom level, zoom ascending.
func (tc *TileCalculator) Ranges(region model.Region) []TileRange {
	ranges := make([]TileRange, 0, region.MaxZoom-region.MinZoom+1)
	for zoom := region.MinZoom; zoom <= region.MaxZoom; zoom++ {
		minX, minY := tc.Deg2Num(region.MinLon, region.MaxLat, zoom)
		maxX, maxY := tc.Deg2Num(region.MaxLon, region.MinLat, zoom)
		minX, minY, maxX, maxY = tc.ClampTileCoords(minX, minY, maxX, maxY, zoom)
		if minX > maxX || minY > maxY {
			continue
		}
		ranges = append(ranges, TileRange{Zoom: zoom, MinX: minX, MinY: minY, MaxX: maxX, MaxY: maxY})
	}
	return ranges
}

// CountTiles returns the number of keys EnumerateKeys yields.
func (tc *TileCalculator) CountTiles(region model.Region) int {
	var total int
	for _, r := range tc.Ranges(region) {
		total += r.Count()
	}
	return total
}

// EnumerateKeys yields every tile key of the region: zoom ascending, then
// row, then column. The sequence is lazy and can be ranged over again.
func (tc *TileCalculator) EnumerateKeys(region model.Region) iter.Seq[model.TileKey] {
	ranges := tc.Ranges(region)
	return func(yield func(model.TileKey) bool) {
		for _, r := range ranges {
			for y := r.MinY; y <= r.MaxY; y++ {
				for x := r.MinX; x <= r.MaxX; x++ {
					if !yield(model.TileKey{Z: r.Zoom, X: x, Y: y}) {
						return
					}
				}
			}
		}
	}
}

// Contains reports whether key is part of the region.
func (tc *TileCalculator) Contains(region model.Region, key model.TileKey) bool {
	for _, r := range tc.Ranges(region) {
		if r.Zoom == key.Z {
			return key.X >= r.MinX && key.X <= r.MaxX && key.Y >= r.MinY && key.Y <= r.MaxY
		}
	}
	return false
}

func (tc *TileCalculator) ClampTileCoords(minX, minY, maxX, maxY, zoom int) (int, int, int, int) {
	if minX < 0 {
		minX = 0
	}
	if minY < 0 {
		minY = 0
	}
	maxTile := 1 << zoom
	if maxX >= maxTile {
		maxX = maxTile - 1
	}
	if maxY >= maxTile {
		maxY = maxTile - 1
	}
	return minX, minY, maxX, maxY
}

func (tc *TileCalculator) Deg2Num(lon, lat float64, zoom int) (x, y int) {
	lat = math.Max(-MaxLatitude, math.Min(MaxLatitude, lat))
	n := float64(int(1) << zoom)
	x = int(math.Floor((lon + 180.0) / 360.0 * n))
	latRad := lat * math.Pi / 180.0
	y = int(math.Floor((1.0 - math.Log(math.Tan(latRad)+1.0/math.Cos(latRad))/math.Pi) / 2.0 * n))
	return x, y
}

func (tc *TileCalculator) ValidateZoomRange(minZoom, maxZoom int) error {
	if minZoom < 0 || maxZoom > MaxZoomLevel || minZoom > maxZoom {
		return ErrInvalidZoomRange
	}
	return nil
}

func (tc *TileCalculator) ValidateLatLonRange(minLon, minLat, maxLon, maxLat float64) error {
	if math.IsNaN(minLon) || math.IsNaN(maxLon) || minLon < -180 || maxLon > 180 || minLon >= maxLon {
		return ErrInvalidLonRange
	}
	if math.IsNaN(minLat) || math.IsNaN(maxLat) || minLat < -90 || maxLat > 90 || minLat >= maxLat {
		return ErrInvalidLatRange
	}
	return nil
}

// ValidateRegion checks both the zoom range and the bounding box.
func (tc *TileCalculator) ValidateRegion(region model.Region) error {
	if err := tc.ValidateZoomRange(region.MinZoom, region.MaxZoom); err != nil {
		return err
	}
	return tc.ValidateLatLonRange(region.MinLon, region.MinLat, region.MaxLon, region.MaxLat)
}
