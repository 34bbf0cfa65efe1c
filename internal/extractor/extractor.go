// Package extractor provides asset descriptor sources for the orchestrator.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/knpwrs/hlsarchiver/internal/apperr"
	"github.com/knpwrs/hlsarchiver/internal/config"
	"github.com/knpwrs/hlsarchiver/internal/fetcher"
	"github.com/knpwrs/hlsarchiver/internal/model"
)

// DirSource reads descriptors from {dir}/{id}.json files in the wire shape.
type DirSource struct {
	dir string
}

// NewDirSource creates a DirSource over dir.
func NewDirSource(dir string) *DirSource {
	return &DirSource{dir: dir}
}

// FetchAsset loads and validates the descriptor of id.
func (s *DirSource) FetchAsset(ctx context.Context, id int64) (*model.AssetDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperr.Extraction("fetch asset", err)
	}

	path := filepath.Join(s.dir, strconv.FormatInt(id, 10)+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, apperr.Extraction("fetch asset", fmt.Errorf("no descriptor for asset %d in %s", id, s.dir))
		}
		return nil, apperr.Extraction("fetch asset", err)
	}
	return decode(data, id)
}

// HTTPSource fetches descriptors from a URL template containing {id}.
type HTTPSource struct {
	template string
	fetcher  *fetcher.Fetcher
}

// NewHTTPSource creates an HTTPSource. The template must contain {id}.
func NewHTTPSource(template string, f *fetcher.Fetcher) *HTTPSource {
	return &HTTPSource{template: template, fetcher: f}
}

// FetchAsset downloads and validates the descriptor of id.
func (s *HTTPSource) FetchAsset(ctx context.Context, id int64) (*model.AssetDescriptor, error) {
	url := strings.ReplaceAll(s.template, "{id}", strconv.FormatInt(id, 10))
	data, err := s.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, apperr.Extraction("fetch asset", err)
	}
	return decode(data, id)
}

func decode(data []byte, id int64) (*model.AssetDescriptor, error) {
	asset, err := model.DecodeAsset(data)
	if err != nil {
		return nil, apperr.Extraction("decode asset", err)
	}
	if asset.ID != id {
		return nil, apperr.Extraction("decode asset", fmt.Errorf("descriptor is for asset %d, not %d", asset.ID, id))
	}
	return asset, nil
}

// Source is what both extractors provide.
type Source interface {
	FetchAsset(ctx context.Context, id int64) (*model.AssetDescriptor, error)
}

// FromConfig builds the source selected by cfg.
func FromConfig(cfg config.ExtractorConfig, f *fetcher.Fetcher) (Source, error) {
	switch cfg.Source {
	case "", "dir":
		return NewDirSource(cfg.DescriptorDir), nil
	case "http":
		return NewHTTPSource(cfg.URLTemplate, f), nil
	}
	return nil, apperr.Configuration("extractor", fmt.Errorf("unknown source %q", cfg.Source))
}
