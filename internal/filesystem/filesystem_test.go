package filesystem

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/knpwrs/hlsarchiver/internal/apperr"
	"github.com/knpwrs/hlsarchiver/internal/config"
	"github.com/knpwrs/hlsarchiver/internal/logger"
	"github.com/knpwrs/hlsarchiver/internal/model"
)

func newTestFS(t *testing.T, mutate func(*config.StorageConfig)) *FileSystem {
	t.Helper()
	cfg := config.Default().Storage
	cfg.BasePath = t.TempDir()
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg, logger.Discard())
}

func testAsset() *model.AssetDescriptor {
	return &model.AssetDescriptor{
		ID:          42,
		Title:       "Sunset over the bay",
		StreamURL:   "https://cdn.example.com/42/playlist.m3u8",
		PublishedAt: time.Date(2024, 3, 9, 18, 30, 0, 0, time.UTC),
		Tags:        []string{"sunset", "bay"},
		Owner:       &model.Author{ID: "u1", Username: "alice"},
	}
}

func testVariants() []model.QualityVariant {
	return []model.QualityVariant{
		{ResolutionLabel: "720p", Codec: model.CodecH264, PlaylistURL: "https://cdn.example.com/42/720p/video.m3u8"},
		{ResolutionLabel: "720p", Codec: model.CodecVP9, IsVP9: true, PlaylistURL: "https://cdn.example.com/42/vp9_720p/video.m3u8"},
	}
}

func TestCreateLayout(t *testing.T) {
	fs := newTestFS(t, func(c *config.StorageConfig) { c.OrganizeByAuthor = true; c.OrganizeByDate = true })
	base := fs.BasePath()

	layout, err := fs.CreateLayout(testAsset(), testVariants())
	if err != nil {
		t.Fatalf("CreateLayout failed: %v", err)
	}

	expectedAsset := filepath.Join(base, "alice", "2024-03-09", "post_42")
	if layout.AssetPath != expectedAsset {
		t.Errorf("Expected %s, got %s", expectedAsset, layout.AssetPath)
	}
	if layout.AuthorPath != filepath.Join(base, "alice") {
		t.Errorf("Unexpected author path %s", layout.AuthorPath)
	}
	if layout.PlaylistRootPath != filepath.Join(expectedAsset, "m3u8") {
		t.Errorf("Unexpected playlist root %s", layout.PlaylistRootPath)
	}
	if layout.MetadataPath != filepath.Join(expectedAsset, "metadata.json") {
		t.Errorf("Unexpected metadata path %s", layout.MetadataPath)
	}

	for _, name := range []string{"720p", "vp9_720p"} {
		p, ok := layout.QualityPaths[name]
		if !ok {
			t.Fatalf("Missing quality path for %s", name)
		}
		if info, err := os.Stat(p); err != nil || !info.IsDir() {
			t.Errorf("Quality directory %s was not created", p)
		}
	}

	// Repeat calls are idempotent and recreate missing directories
	os.RemoveAll(layout.QualityPaths["720p"])
	again, err := fs.CreateLayout(testAsset(), testVariants())
	if err != nil {
		t.Fatalf("Second CreateLayout failed: %v", err)
	}
	if again.AssetPath != layout.AssetPath {
		t.Error("Layout should be stable across calls")
	}
	if _, err := os.Stat(layout.QualityPaths["720p"]); err != nil {
		t.Error("Missing quality directory should be recreated")
	}
}

func TestCreateLayoutFlat(t *testing.T) {
	fs := newTestFS(t, func(c *config.StorageConfig) { c.OrganizeByAuthor = false })
	layout, err := fs.CreateLayout(testAsset(), nil)
	if err != nil {
		t.Fatalf("CreateLayout failed: %v", err)
	}
	if layout.AuthorPath != "" || layout.DatePath != "" {
		t.Error("Flat layout should have no author or date path")
	}
	if layout.AssetPath != filepath.Join(fs.BasePath(), "post_42") {
		t.Errorf("Unexpected asset path %s", layout.AssetPath)
	}
}

func TestGenerateFilename(t *testing.T) {
	fs := newTestFS(t, nil)

	tests := []struct {
		name     string
		title    string
		template string
		expected string
	}{
		{"default template", "Sunset over the bay", "", "alice_Sunset_over_the_bay_720p_42.mp4"},
		{"forbidden characters", `a/b:c*d?`, "{title}", "a_b_c_d.mp4"},
		{"control characters", "tab\there\x00", "{title}", "tabhere.mp4"},
		{"trimmed dots", "..hidden..", "{title}", "hidden.mp4"},
		{"empty", "", "{title}", "untitled.mp4"},
		{"date and codec", "x", "{postId}_{date}_{codec}", "42_20240309_h264.mp4"},
		{"timestamp", "x", "{timestamp}", "1710009000.mp4"},
		{"unknown placeholder", "Sunset", "{title}_{nope}", "alice_Sunset_720p_42.mp4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			asset := testAsset()
			asset.Title = tt.title
			got := fs.GenerateFilename(asset, "720p", "h264", tt.template)
			if got != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestGenerateFilenameTruncation(t *testing.T) {
	fs := newTestFS(t, func(c *config.StorageConfig) { c.MaxFilenameLength = 60 })

	asset := testAsset()
	asset.Title = strings.Repeat("long title words ", 10)
	got := fs.GenerateFilename(asset, "720p", "h264", "")
	if utf8.RuneCountInString(got) > 60 {
		t.Errorf("Name %q exceeds limit", got)
	}
	if !strings.Contains(got, "...") || !strings.HasSuffix(got, "_720p_42.mp4") {
		t.Errorf("Expected truncated title, got %q", got)
	}

	// A name that cannot be saved by shortening the title falls back
	asset.Owner.Username = strings.Repeat("a", 50)
	asset.Title = "short"
	got = fs.GenerateFilename(asset, "720p", "h264", "")
	if got != "42_720p.mp4" {
		t.Errorf("Expected fallback name, got %q", got)
	}
}

func TestStore(t *testing.T) {
	fs := newTestFS(t, nil)
	src := filepath.Join(t.TempDir(), "combined.mp4")
	if err := os.WriteFile(src, []byte("video bytes"), 0644); err != nil {
		t.Fatal(err)
	}
	sum, _ := Checksum(src)

	dst := filepath.Join(fs.BasePath(), "post_42", "video.mp4")
	variant := testVariants()[0]
	opts := StoreOptions{ExpectedChecksum: sum, Asset: testAsset(), Variant: &variant}

	first, err := fs.Store(context.Background(), src, dst, opts)
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if first.Checksum != sum || first.FileSizeBytes != 11 {
		t.Errorf("Unexpected metadata %+v", first)
	}
	if first.FilePath != "post_42/video.mp4" || first.FileName != "video.mp4" {
		t.Errorf("Unexpected paths %q %q", first.FilePath, first.FileName)
	}
	if first.AssetID != 42 || first.Owner != "alice" || first.Quality != "720p" {
		t.Errorf("Descriptive fields not filled: %+v", first)
	}

	infoBefore, _ := os.Stat(dst)

	// The second call writes nothing and reports the same file
	second, err := fs.Store(context.Background(), src, dst, opts)
	if err != nil {
		t.Fatalf("Second Store failed: %v", err)
	}
	if second.Checksum != first.Checksum || !second.DownloadedAt.Equal(first.DownloadedAt) || second.FileSizeBytes != first.FileSizeBytes {
		t.Errorf("Second call returned different metadata: %+v vs %+v", second, first)
	}
	infoAfter, _ := os.Stat(dst)
	if !infoAfter.ModTime().Equal(infoBefore.ModTime()) {
		t.Error("Second Store should not touch the file")
	}

	entries, _ := os.ReadDir(filepath.Dir(dst))
	if len(entries) != 1 {
		t.Errorf("Expected only the stored file, found %d entries", len(entries))
	}
}

func TestStoreChecksumMismatch(t *testing.T) {
	fs := newTestFS(t, nil)
	src := filepath.Join(t.TempDir(), "combined.mp4")
	os.WriteFile(src, []byte("video bytes"), 0644)
	dst := filepath.Join(fs.BasePath(), "video.mp4")

	_, err := fs.Store(context.Background(), src, dst, StoreOptions{ExpectedChecksum: "deadbeef"})
	if !apperr.IsKind(err, apperr.KindStorage) {
		t.Fatalf("Expected storage error, got %v", err)
	}
	if exists, _ := FileExists(dst); exists {
		t.Error("Nothing should be stored on mismatch")
	}
	if exists, _ := FileExists(src); !exists {
		t.Error("Source should be left in place on mismatch")
	}
}

func TestStoreKeepsSourceWhenTargetIsBlocked(t *testing.T) {
	fs := newTestFS(t, nil)
	dir := filepath.Join(fs.BasePath(), "post_42", "m3u8", "720p")
	src := filepath.Join(dir, "video.mp4.downloading")
	dst := filepath.Join(dir, "alice_720p_42.mp4")

	// A non-empty directory at dst makes the final rename fail.
	if err := os.MkdirAll(filepath.Join(dst, "occupied"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(src, []byte("combined video"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := fs.Store(context.Background(), src, dst, StoreOptions{})
	if !apperr.IsKind(err, apperr.KindStorage) {
		t.Fatalf("Expected storage error, got %v", err)
	}

	data, err := os.ReadFile(src)
	if err != nil || string(data) != "combined video" {
		t.Fatalf("Source should be restored intact, got %q (%v)", data, err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 2 {
		t.Errorf("Expected the source and the blocking directory only, found %d entries", len(entries))
	}
}

func TestStoreRemovesRedundantSource(t *testing.T) {
	fs := newTestFS(t, nil)
	dir := filepath.Join(fs.BasePath(), "post_42")
	dst := filepath.Join(dir, "video.mp4")
	src := filepath.Join(dir, "video.mp4.downloading")

	os.MkdirAll(dir, 0755)
	os.WriteFile(src, []byte("first"), 0644)
	if _, err := fs.Store(context.Background(), src, dst, StoreOptions{}); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	os.WriteFile(src, []byte("second download"), 0644)
	meta, err := fs.Store(context.Background(), src, dst, StoreOptions{})
	if err != nil {
		t.Fatalf("Second Store failed: %v", err)
	}
	if meta.FileSizeBytes != 5 {
		t.Errorf("Existing file should be reported, got size %d", meta.FileSizeBytes)
	}
	if exists, _ := FileExists(src); exists {
		t.Error("Redundant source should be removed")
	}
	if data, _ := os.ReadFile(dst); string(data) != "first" {
		t.Errorf("Stored file must not be overwritten, got %q", data)
	}
}

func TestWriteJSONRoundTrip(t *testing.T) {
	fs := newTestFS(t, nil)
	path := filepath.Join(fs.BasePath(), "nested", "metadata.json")

	in := []model.StorageMetadata{{AssetID: 42, FileName: "video.mp4", Checksum: "abc"}}
	if err := fs.WriteJSON(path, in); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}

	var out []model.StorageMetadata
	if err := fs.ReadJSON(path, &out); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	if len(out) != 1 || out[0].FileName != "video.mp4" {
		t.Errorf("Unexpected content %+v", out)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("Temporary file should not remain")
	}
}

func TestCleanup(t *testing.T) {
	fs := newTestFS(t, nil)
	root := fs.BasePath()

	files := map[string]string{
		"post_1/m3u8/720p/video1.m4s.tmp": "12345",
		"post_1/m3u8/720p/video2.m4s":     "keep",
		"post_2/m3u8/480p/a.partial":      "123",
		"post_3/b.downloading":            "1",
	}
	for rel, content := range files {
		p := filepath.Join(root, rel)
		os.MkdirAll(filepath.Dir(p), 0755)
		os.WriteFile(p, []byte(content), 0644)
	}
	os.MkdirAll(filepath.Join(root, "empty", "deeper"), 0755)

	summary := fs.Cleanup(root)

	if summary.FilesRemoved != 3 || summary.BytesFreed != 9 {
		t.Errorf("Expected 3 files and 9 bytes, got %d and %d", summary.FilesRemoved, summary.BytesFreed)
	}
	// post_2/m3u8/480p, post_2/m3u8, post_2, post_3, empty/deeper, empty
	if summary.DirectoriesRemoved != 6 {
		t.Errorf("Expected 6 directories removed, got %d", summary.DirectoriesRemoved)
	}
	if len(summary.Errors) != 0 {
		t.Errorf("Unexpected errors: %v", summary.Errors)
	}

	if _, err := os.Stat(filepath.Join(root, "post_1/m3u8/720p/video2.m4s")); err != nil {
		t.Error("Regular files must be kept")
	}
	if _, err := os.Stat(root); err != nil {
		t.Error("Root must never be removed")
	}
}
