package adapter

import (
	"citymap-poster-service/internal/domain/model"
)

// ThemeCatalog is the static style lookup. Get returns
// domain.ErrThemeNotFound for unknown ids.
type ThemeCatalog interface {
	List() []model.Theme
	Get(id string) (model.Theme, error)
	Exists(id string) bool
}
