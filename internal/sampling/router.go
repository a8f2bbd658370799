package sampling

import (
	"context"
	"fmt"
	"strings"

	"github.com/raaihank/pii-tokenizer/internal/platform"
)

// Sampler is a read-only view of a dataset's columns and values
type Sampler interface {
	Columns(ctx context.Context, dataset string) ([]string, error)
	Sample(ctx context.Context, dataset, column string, n int) ([]string, error)
}

// Router sends each dataset to the sampler of its platform. Paths ending in
// .parquet go to the file sampler; dotted table names use the default platform.
type Router struct {
	platforms       map[string]Sampler
	files           Sampler
	defaultPlatform string
}

// NewRouter creates an empty router
func NewRouter(defaultPlatform string) *Router {
	return &Router{platforms: make(map[string]Sampler), defaultPlatform: defaultPlatform}
}

// Register binds platform to s
func (r *Router) Register(platform string, s Sampler) {
	r.platforms[platform] = s
}

// SetFiles sets the sampler used for Parquet paths
func (r *Router) SetFiles(s Sampler) {
	r.files = s
}

func (r *Router) route(dataset string) (Sampler, error) {
	if strings.HasSuffix(strings.ToLower(dataset), ".parquet") {
		if r.files == nil {
			return nil, fmt.Errorf("no file sampler configured for %s", dataset)
		}
		return r.files, nil
	}
	ds, err := platform.ParseDataset(dataset, r.defaultPlatform)
	if err != nil {
		return nil, err
	}
	s, ok := r.platforms[ds.Platform]
	if !ok {
		return nil, fmt.Errorf("%w: no sampler for %s", platform.ErrUnknownPlatform, ds.Platform)
	}
	return s, nil
}

func (r *Router) Columns(ctx context.Context, dataset string) ([]string, error) {
	s, err := r.route(dataset)
	if err != nil {
		return nil, err
	}
	return s.Columns(ctx, dataset)
}

func (r *Router) Sample(ctx context.Context, dataset, column string, n int) ([]string, error) {
	s, err := r.route(dataset)
	if err != nil {
		return nil, err
	}
	return s.Sample(ctx, dataset, column, n)
}
