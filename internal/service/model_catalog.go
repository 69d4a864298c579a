package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/helixflow/helixgate/internal/domain"
	infraerrors "github.com/helixflow/helixgate/internal/pkg/errors"
)

const (
	catalogCacheKey = "models"
	catalogTTL      = 30 * time.Second
)

// ModelCatalog memoizes the backend's model list so admission checks and
// catalog listings stay off the backend between refreshes. Concurrent
// refreshes collapse into a single backend call.
type ModelCatalog struct {
	backend InferenceBackend
	cache   *gocache.Cache
	group   singleflight.Group
}

func NewModelCatalog(backend InferenceBackend) *ModelCatalog {
	return &ModelCatalog{
		backend: backend,
		cache:   gocache.New(catalogTTL, 2*catalogTTL),
	}
}

// Models returns the served model list sorted by id. The returned slice is
// the caller's to mutate.
func (c *ModelCatalog) Models(ctx context.Context) ([]domain.ModelInfo, error) {
	if v, ok := c.cache.Get(catalogCacheKey); ok {
		return cloneModels(v.([]domain.ModelInfo)), nil
	}
	v, err, _ := c.group.Do(catalogCacheKey, func() (interface{}, error) {
		models, err := c.backend.Models(ctx)
		if err != nil {
			return nil, err
		}
		sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
		c.cache.SetDefault(catalogCacheKey, models)
		return models, nil
	})
	if err != nil {
		return nil, err
	}
	return cloneModels(v.([]domain.ModelInfo)), nil
}

// Require returns nil when id names a served model.
func (c *ModelCatalog) Require(ctx context.Context, id string) error {
	models, err := c.Models(ctx)
	if err != nil {
		return err
	}
	for i := range models {
		if models[i].ID == id {
			return nil
		}
	}
	return infraerrors.NotFound("MODEL_NOT_FOUND", fmt.Sprintf("model %s not found", id))
}

func cloneModels(models []domain.ModelInfo) []domain.ModelInfo {
	out := make([]domain.ModelInfo, len(models))
	copy(out, models)
	return out
}
