// Package tileserver serves cached tiles to the map web view over loopback
// HTTP and exposes the offline download controls as a small JSON API.
package tileserver

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"path"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/refugios/tilecache/internal/calculator"
	"github.com/refugios/tilecache/internal/client"
	"github.com/refugios/tilecache/internal/download"
	"github.com/refugios/tilecache/internal/logging"
	"github.com/refugios/tilecache/internal/model"
	"github.com/refugios/tilecache/internal/resolver"
	"github.com/refugios/tilecache/internal/store"
)

const (
	contextKeyRequestID = "_tilecache_request_id"

	sourceCache   = "cache"
	sourceNetwork = "network"
)

// Backend is what the server needs from the cache manager.
type Backend interface {
	ReadTile(key model.TileKey) ([]byte, error)
	FetchAndStore(ctx context.Context, key model.TileKey) ([]byte, error)
	Resolve(key model.TileKey) resolver.Resolution
	NetworkURL(key model.TileKey) string
	StartOfflineDownload(ctx context.Context, region model.Region) (*download.Session, error)
	CancelOfflineDownload() bool
	Snapshot() model.Status
	ClearOfflineCache(ctx context.Context) error
	Usage() (store.Usage, error)
}

// Options configures NewApp.
type Options struct {
	Backend Backend
	Logger  *logrus.Logger
	// Opportunistic fetches and stores tiles missing from the cache instead of
	// redirecting the web view to the provider.
	Opportunistic bool
}

type handlers struct {
	backend       Backend
	logger        *logrus.Entry
	opportunistic bool
}

// NewApp builds the fiber application.
func NewApp(opts Options) (*fiber.App, error) {
	if opts.Backend == nil {
		return nil, errors.New("backend is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}

	h := &handlers{
		backend:       opts.Backend,
		logger:        opts.Logger.WithField("component", "tileserver"),
		opportunistic: opts.Opportunistic,
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		ErrorHandler:  h.renderError,
	})
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{fiber.MethodGet, fiber.MethodPost, fiber.MethodDelete, fiber.MethodOptions},
		AllowHeaders: []string{fiber.HeaderContentType},
	}))
	app.Use(requestIDMiddleware())

	app.Get("/tiles/:z/:x/:y", h.tile)
	app.Get("/api/resolve/:z/:x/:y", h.resolve)
	app.Get("/api/health", h.health)
	app.Get("/api/offline/status", h.status)
	app.Post("/api/offline/download", h.startDownload)
	app.Post("/api/offline/cancel", h.cancelDownload)
	app.Delete("/api/offline/cache", h.clearCache)

	return app, nil
}

func requestIDMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// RequestID returns the identifier assigned by the middleware.
func RequestID(c fiber.Ctx) string {
	if value, ok := c.Locals(contextKeyRequestID).(string); ok {
		return value
	}
	return ""
}

func (h *handlers) renderError(c fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	if code >= fiber.StatusInternalServerError {
		h.logger.WithError(err).WithField("request_id", RequestID(c)).Error("request failed")
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

// parseKey reads z/x/y path params; y may carry the file extension.
func parseKey(c fiber.Ctx) (model.TileKey, bool) {
	z, errZ := strconv.Atoi(c.Params("z"))
	x, errX := strconv.Atoi(c.Params("x"))
	rawY := c.Params("y")
	rawY = strings.TrimSuffix(rawY, path.Ext(rawY))
	y, errY := strconv.Atoi(rawY)
	if errZ != nil || errX != nil || errY != nil {
		return model.TileKey{}, false
	}
	key := model.TileKey{Z: z, X: x, Y: y}
	return key, key.Valid() && z <= calculator.MaxZoomLevel
}

func contentType(c fiber.Ctx, data []byte) string {
	if ext := path.Ext(c.Params("y")); ext != "" {
		if t := mime.TypeByExtension(ext); t != "" {
			return t
		}
	}
	switch {
	case len(data) >= 4 && data[0] == 0x89 && data[1] == 'P':
		return "image/png"
	case len(data) >= 3 && data[0] == 0xFF && data[1] == 0xD8:
		return "image/jpeg"
	case len(data) >= 12 && string(data[8:12]) == "WEBP":
		return "image/webp"
	}
	return fiber.MIMEOctetStream
}

func (h *handlers) tile(c fiber.Ctx) error {
	key, ok := parseKey(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_tile"})
	}

	data, err := h.backend.ReadTile(key)
	if err == nil {
		return h.sendTile(c, key, data, sourceCache)
	}
	if !errors.Is(err, store.ErrNotFound) {
		h.logger.WithError(err).WithFields(logging.TileFields(key, sourceCache)).Warn("cache read failed")
	}

	if !h.opportunistic {
		return c.Redirect().Status(fiber.StatusFound).To(h.backend.NetworkURL(key))
	}

	data, err = h.backend.FetchAndStore(c.Context(), key)
	if err != nil {
		h.logger.WithError(err).WithFields(logging.TileFields(key, sourceNetwork)).Debug("tile fetch failed")
		var httpErr *client.HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == fiber.StatusNotFound {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "tile_not_found"})
		}
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "upstream_failed"})
	}
	return h.sendTile(c, key, data, sourceNetwork)
}

func (h *handlers) sendTile(c fiber.Ctx, key model.TileKey, data []byte, source string) error {
	c.Set(fiber.HeaderContentType, contentType(c, data))
	c.Set("X-Tile-Source", source)
	h.logger.WithFields(logging.TileFields(key, source)).Debug("tile served")
	return c.Send(data)
}

func (h *handlers) resolve(c fiber.Ctx) error {
	key, ok := parseKey(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_tile"})
	}
	return c.JSON(h.backend.Resolve(key))
}

func (h *handlers) health(c fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (h *handlers) status(c fiber.Ctx) error {
	snap := h.backend.Snapshot()
	body := fiber.Map{
		"metadata":          snap.Metadata,
		"state":             snap.State,
		"progress":          snap.Progress,
		"percent":           snap.Metadata.Percent(),
		"available_offline": snap.AvailableOffline(),
	}
	if usage, err := h.backend.Usage(); err == nil {
		body["usage"] = usage
	} else {
		h.logger.WithError(err).Warn("disk usage scan failed")
	}
	return c.JSON(body)
}

type downloadRequest struct {
	MinLon  float64 `json:"min_lon"`
	MinLat  float64 `json:"min_lat"`
	MaxLon  float64 `json:"max_lon"`
	MaxLat  float64 `json:"max_lat"`
	MinZoom int     `json:"min_zoom"`
	MaxZoom int     `json:"max_zoom"`
}

func (r downloadRequest) region() model.Region {
	return model.Region{
		MinLon:  r.MinLon,
		MinLat:  r.MinLat,
		MaxLon:  r.MaxLon,
		MaxLat:  r.MaxLat,
		MinZoom: r.MinZoom,
		MaxZoom: r.MaxZoom,
	}
}

func (h *handlers) startDownload(c fiber.Ctx) error {
	var req downloadRequest
	if body := c.Body(); len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_json"})
		}
	}

	s, err := h.backend.StartOfflineDownload(c.Context(), req.region())
	switch {
	case err == nil:
	case errors.Is(err, download.ErrDownloadInProgress):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, download.ErrInvalidRegion), errors.Is(err, calculator.ErrNoTilesFound):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	default:
		return err
	}

	h.logger.WithFields(logging.SessionFields(s.ID, s.Total)).
		WithField("request_id", RequestID(c)).Info("download started")
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"session_id": s.ID,
		"total":      s.Total,
	})
}

func (h *handlers) cancelDownload(c fiber.Ctx) error {
	return c.JSON(fiber.Map{"cancelled": h.backend.CancelOfflineDownload()})
}

func (h *handlers) clearCache(c fiber.Ctx) error {
	if err := h.backend.ClearOfflineCache(c.Context()); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"cleared": true})
}
