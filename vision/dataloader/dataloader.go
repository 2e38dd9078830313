package dataloader

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/memelab/mmbt/vision/preprocessing"
)

// Config holds configuration for a FeatureLoader
type Config struct {
	ImageSize    int
	NumRegions   int
	PoolType     preprocessing.PoolType
	MaxCacheSize int // Maximum number of feature vectors to cache
	NumWorkers   int // Number of parallel decode workers
	CacheManager *CacheManager
}

// FeatureLoader turns image files into pooled region features, with caching
// and bounded parallelism.
type FeatureLoader struct {
	processor *preprocessing.ImageProcessor
	pooler    *preprocessing.RegionPooler
	cache     *CacheManager
	workers   int
	blank     []float64
}

func NewFeatureLoader(config Config) (*FeatureLoader, error) {
	pooler, err := preprocessing.NewRegionPooler(config.NumRegions, config.PoolType, config.ImageSize)
	if err != nil {
		return nil, err
	}
	if config.MaxCacheSize == 0 {
		config.MaxCacheSize = 50000
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = 1
	}
	cache := config.CacheManager
	if cache == nil {
		cache = NewCacheManager(config.MaxCacheSize)
	}

	processor := preprocessing.NewImageProcessor(config.ImageSize)
	return &FeatureLoader{
		processor: processor,
		pooler:    pooler,
		cache:     cache,
		workers:   config.NumWorkers,
		blank:     pooler.Pool(processor.Blank()),
	}, nil
}

// FeatureLen is the length of every feature vector.
func (fl *FeatureLoader) FeatureLen() int {
	return fl.pooler.FeatureLen()
}

// Blank returns the features of an all-black image.
func (fl *FeatureLoader) Blank() []float64 {
	return fl.blank
}

// Load returns the features of one image file, consulting the cache first.
// An empty path yields the blank features.
func (fl *FeatureLoader) Load(path string) ([]float64, error) {
	if path == "" {
		return fl.blank, nil
	}
	if cached, ok := fl.cache.Get(path); ok {
		return cached, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	processed, err := fl.processor.DecodeAndPreprocess(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	features := fl.pooler.Pool(processed)
	fl.cache.Put(path, features)
	return features, nil
}

// LoadBatch loads every path with at most NumWorkers files in flight. The
// result order matches paths.
func (fl *FeatureLoader) LoadBatch(ctx context.Context, paths []string) ([][]float64, error) {
	results := make([][]float64, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(fl.workers)

	for i, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			features, err := fl.Load(path)
			if err != nil {
				return fmt.Errorf("failed to load image %d: %w", i, err)
			}
			results[i] = features
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Stats returns cache statistics
func (fl *FeatureLoader) Stats() string {
	return fl.cache.Stats().String()
}
