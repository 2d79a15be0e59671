package logging

import (
	"github.com/sirupsen/logrus"

	"github.com/refugios/tilecache/internal/model"
)

// BaseFields 入口通用字段
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RegionFields describes a download region.
func RegionFields(r model.Region) logrus.Fields {
	return logrus.Fields{
		"min_lon":  r.MinLon,
		"min_lat":  r.MinLat,
		"max_lon":  r.MaxLon,
		"max_lat":  r.MaxLat,
		"min_zoom": r.MinZoom,
		"max_zoom": r.MaxZoom,
	}
}

// SessionFields identifies one download session.
func SessionFields(id string, total int64) logrus.Fields {
	return logrus.Fields{
		"session_id": id,
		"total":      total,
	}
}

// TileFields 瓦片请求日志字段
func TileFields(key model.TileKey, source string) logrus.Fields {
	return logrus.Fields{
		"tile":   key.String(),
		"source": source,
	}
}
