// Package model defines the data shared by the tile cache packages.
package model

import (
	"fmt"
	"time"
)

// MetadataSchemaVersion is bumped whenever the on-disk layout changes.
const MetadataSchemaVersion = 1

// TileKey identifies one tile in the XYZ scheme.
type TileKey struct {
	Z int `json:"z"`
	X int `json:"x"`
	Y int `json:"y"`
}

// Valid reports whether 0 <= X,Y < 2^Z.
func (k TileKey) Valid() bool {
	if k.Z < 0 || k.Z > 30 {
		return false
	}
	n := 1 << k.Z
	return k.X >= 0 && k.X < n && k.Y >= 0 && k.Y < n
}

func (k TileKey) String() string {
	return fmt.Sprintf("%d/%d/%d", k.Z, k.X, k.Y)
}

// Region is a bounding box plus an inclusive zoom range.
type Region struct {
	MinLon  float64 `json:"minLon" mapstructure:"min_lon"`
	MinLat  float64 `json:"minLat" mapstructure:"min_lat"`
	MaxLon  float64 `json:"maxLon" mapstructure:"max_lon"`
	MaxLat  float64 `json:"maxLat" mapstructure:"max_lat"`
	MinZoom int     `json:"minZoom" mapstructure:"min_zoom"`
	MaxZoom int     `json:"maxZoom" mapstructure:"max_zoom"`
}

// IsZero reports whether no region has been configured.
func (r Region) IsZero() bool {
	return r == Region{}
}

// CacheMetadata is the single persisted ledger record.
type CacheMetadata struct {
	SchemaVersion   int       `json:"schemaVersion"`
	Region          Region    `json:"region"`
	TotalTiles      int       `json:"totalTiles"`
	DownloadedTiles int       `json:"downloadedTiles"`
	IsComplete      bool      `json:"isComplete"`
	LastUpdatedAt   time.Time `json:"lastUpdatedAt"`
}

// DefaultMetadata is the "empty cache" record.
func DefaultMetadata() CacheMetadata {
	return CacheMetadata{SchemaVersion: MetadataSchemaVersion}
}

// Percent returns download progress in the range [0, 100].
func (m CacheMetadata) Percent() float64 {
	if m.TotalTiles <= 0 {
		return 0
	}
	return float64(m.DownloadedTiles) / float64(m.TotalTiles) * 100
}

// CheckInvariants validates a record read from disk.
func (m CacheMetadata) CheckInvariants() error {
	switch {
	case m.SchemaVersion != MetadataSchemaVersion:
		return fmt.Errorf("schema version %d, want %d", m.SchemaVersion, MetadataSchemaVersion)
	case m.TotalTiles < 0 || m.DownloadedTiles < 0:
		return fmt.Errorf("negative tile counts (%d/%d)", m.DownloadedTiles, m.TotalTiles)
	case m.DownloadedTiles > m.TotalTiles:
		return fmt.Errorf("downloaded %d exceeds total %d", m.DownloadedTiles, m.TotalTiles)
	case m.IsComplete && m.DownloadedTiles != m.TotalTiles:
		return fmt.Errorf("complete flag set with %d/%d tiles", m.DownloadedTiles, m.TotalTiles)
	}
	return nil
}

// SessionState is the download coordinator's state machine.
type SessionState string

const (
	StateIdle               SessionState = "idle"
	StateEnumerating        SessionState = "enumerating"
	StateDownloading        SessionState = "downloading"
	StateCompleted          SessionState = "completed"
	StateIncomplete         SessionState = "incomplete"
	StateCancelled          SessionState = "cancelled"
	StateFailed             SessionState = "failed"
	StateStorageUnavailable SessionState = "storage_unavailable"
)

// Terminal reports whether no further transitions happen for the session.
func (s SessionState) Terminal() bool {
	switch s {
	case StateCompleted, StateIncomplete, StateCancelled, StateFailed, StateStorageUnavailable:
		return true
	}
	return false
}

// Progress is a point-in-time view of one download session.
type Progress struct {
	SessionID  string `json:"sessionId"`
	Total      int64  `json:"total"`
	Downloaded int64  `json:"downloaded"`
	Skipped    int64  `json:"skipped"`
	Failed     int64  `json:"failed"`
	Retries    int64  `json:"retries"`
	Bytes      int64  `json:"bytes"`
}

// Processed counts tiles that no longer need work this session.
func (p Progress) Processed() int64 {
	return p.Downloaded + p.Skipped + p.Failed
}

// EventKind tags an Event.
type EventKind string

const (
	EventProgress           EventKind = "progress"
	EventCompleted          EventKind = "completed"
	EventIncomplete         EventKind = "incomplete"
	EventCancelled          EventKind = "cancelled"
	EventFailed             EventKind = "failed"
	EventStorageUnavailable EventKind = "storage_unavailable"
)

// Terminal reports whether the event closes a session.
func (k EventKind) Terminal() bool {
	return k != EventProgress
}

// EventForState maps a terminal session state to its event kind.
func EventForState(s SessionState) EventKind {
	switch s {
	case StateCompleted:
		return EventCompleted
	case StateIncomplete:
		return EventIncomplete
	case StateCancelled:
		return EventCancelled
	case StateStorageUnavailable:
		return EventStorageUnavailable
	case StateFailed:
		return EventFailed
	}
	return EventProgress
}

// Event is pushed to the status subscriber.
type Event struct {
	Kind     EventKind `json:"kind"`
	Progress Progress  `json:"progress"`
	Error    string    `json:"error,omitempty"`
}

// Status is what the UI needs for a progress bar or an offline badge.
type Status struct {
	Metadata CacheMetadata `json:"metadata"`
	State    SessionState  `json:"state"`
	Progress Progress      `json:"progress"`
}

// AvailableOffline reports whether the configured region is fully cached.
func (s Status) AvailableOffline() bool {
	return s.Metadata.IsComplete
}
