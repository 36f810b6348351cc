package themes

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"citymap-poster-service/internal/domain"
	"citymap-poster-service/internal/domain/model"
	"citymap-poster-service/internal/domain/ports/adapter"
)

var _ adapter.ThemeCatalog = (*Catalog)(nil)

// Catalog loads every *.json theme file from a directory once at startup
// and serves lookups from memory. The theme id is the file name stem.
type Catalog struct {
	byID  map[string]model.Theme
	order []string
	log   *zerolog.Logger
}

func NewCatalog(dir string, logger *zerolog.Logger) (*Catalog, error) {
	catLog := logger.With().Str("component", "ThemeCatalog").Logger()
	c := &Catalog{
		byID: make(map[string]model.Theme),
		log:  &catLog,
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		b, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			catLog.Error().Err(err).Str("file", e.Name()).Msg("skipping unreadable theme file")
			continue
		}
		var t model.Theme
		if err := json.Unmarshal(b, &t); err != nil {
			catLog.Error().Err(err).Str("file", e.Name()).Msg("skipping malformed theme file")
			continue
		}
		t.ID = id
		if t.Name == "" {
			t.Name = id
		}
		c.byID[id] = t
		c.order = append(c.order, id)
	}
	sort.Strings(c.order)
	catLog.Info().Int("themes", len(c.order)).Str("dir", dir).Msg("theme catalog loaded")
	return c, nil
}

func (c *Catalog) List() []model.Theme {
	out := make([]model.Theme, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}

func (c *Catalog) Get(id string) (model.Theme, error) {
	t, ok := c.byID[id]
	if !ok {
		return model.Theme{}, domain.ErrThemeNotFound
	}
	return t, nil
}

func (c *Catalog) Exists(id string) bool {
	_, ok := c.byID[id]
	return ok
}
