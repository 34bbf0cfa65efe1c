package filesystem

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/knpwrs/hlsarchiver/internal/apperr"
	"github.com/knpwrs/hlsarchiver/internal/config"
	"github.com/knpwrs/hlsarchiver/internal/logger"
	"github.com/knpwrs/hlsarchiver/internal/model"
)

// FileSystem handles directory layout, file placement and sidecar files for
// archived assets.
//
// This structure manages:
// - The per-asset directory layout under the storage base path
// - Filename generation from templates
// - Atomic, checksum-verified placement of combined files
// - Cleanup of temporary files left by interrupted runs
//
// Concurrent writers targeting the same final path are serialised only by
// the atomic rename in Store; the last writer to finish verification wins.
//
// See: https://context7.com/golang/go for Go file I/O documentation
type FileSystem struct {
	cfg config.StorageConfig
	log *logger.Logger
}

// New creates a new FileSystem handler.
//
// Parameters:
//   - cfg: Storage settings; BasePath is the root of all layouts
//   - log: Logger for layout and cleanup messages
//
// See: https://context7.com/golang/go for Go documentation
func New(cfg config.StorageConfig, log *logger.Logger) *FileSystem {
	if cfg.FilenameTemplate == "" {
		cfg.FilenameTemplate = config.DefaultFilenameTemplate
	}
	if cfg.MaxFilenameLength <= 0 {
		cfg.MaxFilenameLength = 200
	}
	return &FileSystem{cfg: cfg, log: log}
}

// BasePath returns the storage root.
func (fs *FileSystem) BasePath() string {
	return fs.cfg.BasePath
}

// CreateLayout computes the directory layout of an asset and creates it.
//
// The layout is {base}/[{author}/][{date}/]post_{id}/ with an m3u8/ directory
// holding one subdirectory per variant. Calling it again for the same asset
// returns the same structure and recreates anything missing.
//
// Parameters:
//   - asset: The asset being archived
//   - variants: The selected variants; each gets a quality directory
//
// Returns the computed structure.
func (fs *FileSystem) CreateLayout(asset *model.AssetDescriptor, variants []model.QualityVariant) (*model.DirectoryStructure, error) {
	layout := &model.DirectoryStructure{
		BasePath:     fs.cfg.BasePath,
		QualityPaths: make(map[string]string, len(variants)),
	}

	parent := fs.cfg.BasePath
	if fs.cfg.OrganizeByAuthor && asset.Owner != nil {
		layout.AuthorPath = filepath.Join(parent, sanitizeComponent(asset.Owner.Username))
		parent = layout.AuthorPath
	}
	if fs.cfg.OrganizeByDate {
		layout.DatePath = filepath.Join(parent, asset.PublishedAt.Format("2006-01-02"))
		parent = layout.DatePath
	}

	layout.AssetPath = filepath.Join(parent, "post_"+strconv.FormatInt(asset.ID, 10))
	layout.PlaylistRootPath = filepath.Join(layout.AssetPath, "m3u8")
	layout.AudioPath = filepath.Join(layout.PlaylistRootPath, "audio")
	layout.MetadataPath = filepath.Join(layout.AssetPath, "metadata.json")
	layout.DataPath = filepath.Join(layout.AssetPath, "data.json")

	dirs := []string{layout.PlaylistRootPath}
	for _, v := range variants {
		p := filepath.Join(layout.PlaylistRootPath, sanitizeComponent(v.DirName()))
		layout.QualityPaths[v.DirName()] = p
		dirs = append(dirs, p)
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, apperr.Storage("create layout", fmt.Errorf("failed to create directory %s: %w", dir, err))
		}
	}

	fs.log.Debugf("Layout ready for post %d at %s", asset.ID, layout.AssetPath)
	return layout, nil
}

// WriteFile writes content to path atomically.
//
// Parent directories are created, and the content goes to a temporary file
// first which is then renamed over path.
//
// See: https://context7.com/golang/go for Go file operations
func (fs *FileSystem) WriteFile(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return apperr.Storage("write "+path, fmt.Errorf("failed to create directory %s: %w", dir, err))
	}

	// Write to temporary file first
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, content, 0644); err != nil {
		return apperr.Storage("write "+path, fmt.Errorf("failed to write file %s: %w", tmpPath, err))
	}

	// Rename to final path (atomic on most systems)
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return apperr.Storage("write "+path, fmt.Errorf("failed to rename %s to %s: %w", tmpPath, path, err))
	}
	return nil
}

// WriteJSON writes v as indented JSON to path atomically.
func (fs *FileSystem) WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return apperr.Storage("encode "+path, err)
	}
	return fs.WriteFile(path, data)
}

// ReadJSON decodes the JSON file at path into v.
func (fs *FileSystem) ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return apperr.Storage("read "+path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apperr.Storage("decode "+path, err)
	}
	return nil
}

// WriteAssetData writes the cleaned asset descriptor to the layout's data.json.
func (fs *FileSystem) WriteAssetData(layout *model.DirectoryStructure, asset *model.AssetDescriptor) error {
	data, err := model.EncodeAsset(asset)
	if err != nil {
		return apperr.Storage("encode asset", err)
	}
	return fs.WriteFile(layout.DataPath, data)
}

// FileExists checks if a regular file exists at path.
func FileExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err == nil {
		return !info.IsDir(), nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// relativePath returns path relative to the storage root, or path itself
// when it lies outside it.
func (fs *FileSystem) relativePath(path string) string {
	rel, err := filepath.Rel(fs.cfg.BasePath, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return filepath.ToSlash(rel)
}
