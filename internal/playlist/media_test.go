package playlist

import (
	"strings"
	"testing"

	"github.com/knpwrs/hlsarchiver/internal/apperr"
)

func TestParseMedia(t *testing.T) {
	content := `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:10
#EXTINF:9.9,
segment1.ts
#EXTINF:9.9,
segment2.ts
#EXT-X-ENDLIST
`
	fragments, err := ParseMedia(content, mustURL(t, "https://example.com/playlist.m3u8"))
	if err != nil {
		t.Fatalf("ParseMedia failed: %v", err)
	}

	expectedURLs := []string{
		"https://example.com/segment1.ts",
		"https://example.com/segment2.ts",
	}
	if len(fragments) != len(expectedURLs) {
		t.Fatalf("Expected %d fragments, got %d", len(expectedURLs), len(fragments))
	}
	for i, f := range fragments {
		if f.Index != i || f.URL != expectedURLs[i] || f.DurationSeconds != 9.9 {
			t.Errorf("Fragment %d unexpected: %+v", i, f)
		}
		if f.MediaSequence != nil {
			t.Errorf("Fragment %d should have no media sequence", i)
		}
	}
}

func TestParseMediaState(t *testing.T) {
	content := `#EXTM3U
#EXT-X-TARGETDURATION:6
#EXT-X-MEDIA-SEQUENCE:100
#EXT-X-MAP:URI="init.mp4"
#EXT-X-KEY:METHOD=AES-128,URI="keys/key1.bin",IV=0x1
#EXTINF:6.0,
video1.m4s
#EXT-X-DISCONTINUITY
#EXTINF:5.5,
video2.m4s
video3.m4s
#EXT-X-KEY:METHOD=NONE
#EXTINF:4.0,
video4.m4s
#EXT-X-ENDLIST
`
	media, err := ParseMediaPlaylist(content, mustURL(t, "https://cdn.example.com/abc/720p/video.m3u8"))
	if err != nil {
		t.Fatalf("ParseMediaPlaylist failed: %v", err)
	}

	if media.InitURL != "https://cdn.example.com/abc/720p/init.mp4" {
		t.Errorf("Unexpected init URL %s", media.InitURL)
	}
	if !media.EndList || media.TargetDuration != 6 {
		t.Errorf("Unexpected playlist flags %+v", media)
	}
	if len(media.Fragments) != 4 {
		t.Fatalf("Expected 4 fragments, got %d", len(media.Fragments))
	}

	f := media.Fragments
	if *f[0].MediaSequence != 100 || *f[3].MediaSequence != 103 {
		t.Errorf("Unexpected media sequences %d..%d", *f[0].MediaSequence, *f[3].MediaSequence)
	}
	if f[0].Discontinuity || !f[1].Discontinuity || f[2].Discontinuity {
		t.Error("Discontinuity should apply to the next fragment only")
	}
	if f[2].DurationSeconds != 0 {
		t.Errorf("Duration should reset after each fragment, got %v", f[2].DurationSeconds)
	}
	if f[0].EncryptionKeyURL != "https://cdn.example.com/abc/720p/keys/key1.bin" || f[2].EncryptionKeyURL != f[0].EncryptionKeyURL {
		t.Errorf("Key should carry forward, got %q / %q", f[0].EncryptionKeyURL, f[2].EncryptionKeyURL)
	}
	if f[3].EncryptionKeyURL != "" {
		t.Errorf("METHOD=NONE should clear the key, got %q", f[3].EncryptionKeyURL)
	}
	if media.TotalDuration() != 15.5 {
		t.Errorf("Expected total 15.5s, got %v", media.TotalDuration())
	}
}

func TestParseMediaEmpty(t *testing.T) {
	_, err := ParseMedia("#EXTM3U\n#EXT-X-ENDLIST\n", mustURL(t, "https://example.com/v.m3u8"))
	if !apperr.IsKind(err, apperr.KindPlaylist) {
		t.Errorf("Expected playlist error, got %v", err)
	}
}

func TestIsMediaPlaylist(t *testing.T) {
	if !IsMediaPlaylist("#EXTM3U\n#EXTINF:4,\na.ts\n") {
		t.Error("Expected media playlist")
	}
	if IsMediaPlaylist("#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1\na.m3u8\n") {
		t.Error("Master playlist is not a media playlist")
	}
}

func TestRewrite(t *testing.T) {
	content := []byte(`#EXTM3U
#EXT-X-MAP:URI="init.mp4"
#EXTINF:6.0,
https://cdn.example.com/abc/720p/seg-a.m4s
#EXTINF:6.0,
seg-b.m4s
#EXTINF:6.0,
seg-unknown.m4s
#EXT-X-ENDLIST
`)
	names := map[string]string{
		"https://cdn.example.com/abc/720p/init.mp4":  "init.mp4",
		"https://cdn.example.com/abc/720p/seg-a.m4s": "video1.m4s",
		"https://cdn.example.com/abc/720p/seg-b.m4s": "video2.m4s",
	}

	out, err := Rewrite(content, mustURL(t, "https://cdn.example.com/abc/720p/video.m3u8"), func(u string) (string, bool) {
		name, ok := names[u]
		return name, ok
	})
	if err != nil {
		t.Fatalf("Rewrite failed: %v", err)
	}

	text := string(out)
	for _, want := range []string{`#EXT-X-MAP:URI="init.mp4"`, "\nvideo1.m4s\n", "\nvideo2.m4s\n", "\nseg-unknown.m4s\n", "#EXT-X-ENDLIST"} {
		if !strings.Contains(text, want) {
			t.Errorf("Rewritten playlist missing %q:\n%s", want, text)
		}
	}
	if strings.Contains(text, "https://") {
		t.Errorf("Rewritten playlist should not contain absolute URLs:\n%s", text)
	}
}
