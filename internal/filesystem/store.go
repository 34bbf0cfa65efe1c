package filesystem

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/knpwrs/hlsarchiver/internal/apperr"
	"github.com/knpwrs/hlsarchiver/internal/model"
)

// StoreOptions carries the optional inputs of Store.
type StoreOptions struct {
	// ExpectedChecksum is verified against the source when set
	ExpectedChecksum string
	// Asset and Variant fill the descriptive metadata fields
	Asset   *model.AssetDescriptor
	Variant *model.QualityVariant
}

// Store places the file at src at dst with checksum verification.
//
// If dst already exists nothing is written, the now redundant source is
// removed and the metadata of the existing file is returned. Otherwise the
// source is moved (or copied, when it lives on another volume) into a
// temporary file next to dst, its checksum is verified, and the temporary
// file is renamed to dst. On any failure the source is left where it was: a
// moved temporary file is renamed back, a copied one is removed.
//
// Parameters:
//   - ctx: Context checked between steps
//   - src: The file to store
//   - dst: Final path of the stored file
//   - opts: Expected checksum and descriptive fields
//
// Returns the metadata of the stored file.
//
// See: https://context7.com/golang/go for Go os.Rename documentation
func (fs *FileSystem) Store(ctx context.Context, src, dst string, opts StoreOptions) (*model.StorageMetadata, error) {
	if info, err := os.Stat(dst); err == nil && !info.IsDir() {
		fs.log.Debugf("Already stored: %s", dst)
		if filepath.Clean(src) != filepath.Clean(dst) {
			if err := os.Remove(src); err != nil && !errors.Is(err, os.ErrNotExist) {
				fs.log.Warnf("Failed to remove redundant %s: %v", src, err)
			}
		}
		return fs.describe(dst, opts)
	}

	sum, err := Checksum(src)
	if err != nil {
		return nil, apperr.Storage("checksum "+src, err)
	}
	if opts.ExpectedChecksum != "" && sum != opts.ExpectedChecksum {
		return nil, apperr.Storage("store "+dst, fmt.Errorf("source checksum %s does not match expected %s", sum, opts.ExpectedChecksum))
	}
	if err := ctx.Err(); err != nil {
		return nil, apperr.Storage("store "+dst, err)
	}

	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, apperr.Storage("store "+dst, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".*.tmp")
	if err != nil {
		return nil, apperr.Storage("store "+dst, err)
	}
	tmpPath := tmp.Name()
	tmp.Close()

	placed, moved := false, false
	defer func() {
		if placed {
			return
		}
		if moved {
			if err := os.Rename(tmpPath, src); err != nil {
				fs.log.Errorf("Failed to restore %s from %s: %v", src, tmpPath, err)
			}
			return
		}
		os.Remove(tmpPath)
	}()

	if err := os.Rename(src, tmpPath); err == nil {
		moved = true
	} else {
		fs.log.Debugf("Rename %s failed, copying: %v", src, err)
		if err := copyFile(src, tmpPath); err != nil {
			return nil, apperr.Storage("copy "+src, err)
		}
	}

	tmpSum, err := Checksum(tmpPath)
	if err != nil {
		return nil, apperr.Storage("checksum "+tmpPath, err)
	}
	if tmpSum != sum {
		return nil, apperr.Storage("store "+dst, fmt.Errorf("checksum mismatch after transfer: %s != %s", tmpSum, sum))
	}

	if err := os.Rename(tmpPath, dst); err != nil {
		return nil, apperr.Storage("store "+dst, fmt.Errorf("failed to rename %s to %s: %w", tmpPath, dst, err))
	}
	placed = true
	if !moved {
		if err := os.Remove(src); err != nil {
			fs.log.Warnf("Failed to remove %s after copy: %v", src, err)
		}
	}

	fs.log.Infof("Stored %s", dst)
	return fs.describeWithChecksum(dst, sum, opts)
}

func (fs *FileSystem) describe(path string, opts StoreOptions) (*model.StorageMetadata, error) {
	sum, err := Checksum(path)
	if err != nil {
		return nil, apperr.Storage("checksum "+path, err)
	}
	return fs.describeWithChecksum(path, sum, opts)
}

func (fs *FileSystem) describeWithChecksum(path, sum string, opts StoreOptions) (*model.StorageMetadata, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, apperr.Storage("stat "+path, err)
	}

	meta := &model.StorageMetadata{
		FileSizeBytes: info.Size(),
		FilePath:      fs.relativePath(path),
		FileName:      filepath.Base(path),
		Checksum:      sum,
		Tags:          []string{},
		DownloadedAt:  info.ModTime().UTC(),
	}
	if a := opts.Asset; a != nil {
		meta.AssetID = a.ID
		meta.Title = a.Title
		meta.Owner = a.OwnerName()
		if a.Tags != nil {
			meta.Tags = a.Tags
		}
	}
	if v := opts.Variant; v != nil {
		meta.Quality = v.ResolutionLabel
		meta.Codec = v.Codec
	}
	return meta, nil
}

// Checksum returns the hex SHA-256 of the file at path. The file is streamed,
// not read into memory.
func Checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0644)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, out.Close())
	}()

	_, err = io.Copy(out, in)
	return err
}
