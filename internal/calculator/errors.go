// Package calculator maps geographic regions onto XYZ tile keys.
package calculator

import "errors"

var (
	// ErrInvalidZoomRange is returned for zoom ranges outside 0..MaxZoomLevel or inverted.
	ErrInvalidZoomRange = errors.New("invalid zoom range (0 <= min-zoom <= max-zoom <= 20)")
	// ErrInvalidLonRange is returned for longitudes outside -180..180 or inverted.
	ErrInvalidLonRange = errors.New("invalid longitude range (-180 <= min-lon < max-lon <= 180)")
	// ErrInvalidLatRange is returned for latitudes outside -90..90 or inverted.
	ErrInvalidLatRange = errors.New("invalid latitude range (-90 <= min-lat < max-lat <= 90)")
	// ErrNoTilesFound is returned when a region covers no tiles.
	ErrNoTilesFound = errors.New("no tiles found in region")
)
