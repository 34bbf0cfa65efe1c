package downloader

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/knpwrs/hlsarchiver/internal/apperr"
)

// MinFragmentRatio is the share of fragments that must be present for
// Combine to succeed.
const MinFragmentRatio = 0.9

// CombineResult reports what Combine wrote.
type CombineResult struct {
	Expected int
	Present  int
	Missing  []int
	Bytes    int64
}

// Combine concatenates fragment files into outputPath in slice order, which
// is the playlist index order. Missing files are skipped. Fewer than 90% of
// fragments present is a fragment error and nothing is written.
func (d *Downloader) Combine(fragmentPaths []string, outputPath string) (*CombineResult, error) {
	return d.combine("", fragmentPaths, outputPath)
}

func (d *Downloader) combine(initPath string, fragmentPaths []string, outputPath string) (*CombineResult, error) {
	result := &CombineResult{Expected: len(fragmentPaths)}
	present := make([]string, 0, len(fragmentPaths))
	for i, p := range fragmentPaths {
		if info, err := os.Stat(p); err == nil && info.Size() > 0 {
			present = append(present, p)
			continue
		}
		result.Missing = append(result.Missing, i)
	}
	result.Present = len(present)

	if result.Expected == 0 || float64(result.Present) < MinFragmentRatio*float64(result.Expected) {
		return result, apperr.Fragment("combine", fmt.Errorf("only %d of %d fragments present", result.Present, result.Expected))
	}
	if len(result.Missing) > 0 {
		d.log.Warnf("Combining %s with %d of %d fragments missing: %v", outputPath, len(result.Missing), result.Expected, result.Missing)
	}

	out, err := os.Create(outputPath)
	if err != nil {
		return result, apperr.Storage("create "+outputPath, err)
	}

	if initPath != "" {
		present = append([]string{initPath}, present...)
	}
	for _, p := range present {
		n, err := appendFile(out, p)
		result.Bytes += n
		if err != nil {
			out.Close()
			os.Remove(outputPath)
			return result, apperr.Storage("combine "+p, err)
		}
	}

	if err := out.Close(); err != nil {
		os.Remove(outputPath)
		return result, apperr.Storage("close "+outputPath, err)
	}
	return result, nil
}

func appendFile(dst io.Writer, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return io.Copy(dst, f)
}

var (
	ftypMarker = []byte("ftyp")
	stypMarker = []byte("styp")
	moofMarker = []byte("moof")
)

// verifyFragment reports whether path holds a usable fragment: non-empty
// and starting with an MPEG-TS sync byte or an fMP4 box header. Encrypted
// fragments are only checked for size.
func verifyFragment(path string, encrypted bool) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.Size() == 0 {
		return false
	}
	if encrypted {
		return true
	}

	header := make([]byte, 16)
	n, _ := io.ReadFull(f, header)
	header = header[:n]

	if n > 0 && header[0] == 0x47 {
		return true
	}
	return bytes.Contains(header, ftypMarker) || bytes.Contains(header, stypMarker) || bytes.Contains(header, moofMarker)
}
