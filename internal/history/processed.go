package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/knpwrs/hlsarchiver/internal/apperr"
)

// ProcessedSet is the durable set of asset ids that completed successfully.
// It is safe for concurrent use.
type ProcessedSet struct {
	path string

	mu  sync.Mutex
	ids map[int64]struct{}
}

// progressFile is the on-disk shape of progress.json.
type progressFile struct {
	DownloadedVideoIDs []string `json:"downloaded_video_ids"`
	TotalDownloaded    int      `json:"total_downloaded"`
}

// NewProcessedSet creates an empty set persisted at path.
func NewProcessedSet(path string) *ProcessedSet {
	return &ProcessedSet{path: path, ids: make(map[int64]struct{})}
}

// Load merges the ids stored at the set's path into the set. A missing file
// is not an error.
func (s *ProcessedSet) Load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return apperr.Storage("load "+s.path, err)
	}

	var pf progressFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return apperr.Storage("load "+s.path, fmt.Errorf("invalid progress file: %w", err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, raw := range pf.DownloadedVideoIDs {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			continue
		}
		s.ids[id] = struct{}{}
	}
	return nil
}

// Contains reports whether id completed before.
func (s *ProcessedSet) Contains(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}

// Add inserts id and reports whether it was new.
func (s *ProcessedSet) Add(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

// Len returns the number of ids in the set.
func (s *ProcessedSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

// IDs returns the ids in ascending order.
func (s *ProcessedSet) IDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Save rewrites the progress file atomically.
func (s *ProcessedSet) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pf := progressFile{DownloadedVideoIDs: make([]string, 0, len(s.ids))}
	for id := range s.ids {
		pf.DownloadedVideoIDs = append(pf.DownloadedVideoIDs, strconv.FormatInt(id, 10))
	}
	sort.Strings(pf.DownloadedVideoIDs)
	pf.TotalDownloaded = len(pf.DownloadedVideoIDs)

	data, err := json.MarshalIndent(pf, "", "  ")
	if err != nil {
		return apperr.Storage("save "+s.path, err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return apperr.Storage("save "+s.path, err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return apperr.Storage("save "+s.path, err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return apperr.Storage("save "+s.path, err)
	}
	return nil
}
