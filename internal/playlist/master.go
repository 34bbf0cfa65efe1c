package playlist

import (
	"bufio"
	"errors"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/knpwrs/hlsarchiver/internal/apperr"
	"github.com/knpwrs/hlsarchiver/internal/model"
)

// DefaultVP9Patterns are matched against variant URLs and codec strings.
var DefaultVP9Patterns = []string{"vp9_", "vp09."}

var resolutionInPath = regexp.MustCompile(`(?i)(\d{3,4})p`)

// AudioRendition is an audio-only playlist referenced by a master playlist.
type AudioRendition struct {
	GroupID  string
	Name     string
	Language string
	Default  bool
	URL      string
}

// Master is a parsed master playlist.
type Master struct {
	Variants []model.QualityVariant
	Audio    []AudioRendition
}

// ParseMaster parses a master playlist and returns its video variants.
//
// Each #EXT-X-STREAM-INF line is paired with the next URI line. Attribute
// lines that cannot be parsed are skipped together with their URI. Relative
// URIs are resolved against baseURL. A playlist without any usable variant
// is a playlist error.
//
// vp9Patterns overrides DefaultVP9Patterns when given.
func ParseMaster(text string, baseURL *url.URL, vp9Patterns ...string) ([]model.QualityVariant, error) {
	master, err := ParseMasterPlaylist(text, baseURL, vp9Patterns...)
	if err != nil {
		return nil, err
	}
	return master.Variants, nil
}

// ParseMasterPlaylist is ParseMaster that also returns audio renditions.
func ParseMasterPlaylist(text string, baseURL *url.URL, vp9Patterns ...string) (*Master, error) {
	if len(vp9Patterns) == 0 {
		vp9Patterns = DefaultVP9Patterns
	}

	master := &Master{}
	var pending map[string]string
	skipNextURI := false

	scanner := newScanner(text)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, "#EXT-X-STREAM-INF:"):
			attrs, err := parseAttributes(tagValue(line, "#EXT-X-STREAM-INF"))
			if err != nil {
				pending, skipNextURI = nil, true
				continue
			}
			pending, skipNextURI = attrs, false

		case strings.HasPrefix(line, "#EXT-X-MEDIA:"):
			attrs, err := parseAttributes(tagValue(line, "#EXT-X-MEDIA"))
			if err != nil || !strings.EqualFold(attrs["TYPE"], "AUDIO") || attrs["URI"] == "" {
				continue
			}
			master.Audio = append(master.Audio, AudioRendition{
				GroupID:  attrs["GROUP-ID"],
				Name:     attrs["NAME"],
				Language: attrs["LANGUAGE"],
				Default:  strings.EqualFold(attrs["DEFAULT"], "YES"),
				URL:      resolveURL(baseURL, attrs["URI"]),
			})

		case strings.HasPrefix(line, "#"):
			continue

		default:
			if skipNextURI {
				skipNextURI = false
				continue
			}
			if pending == nil {
				continue
			}
			attrs := pending
			pending = nil
			resolved := resolveURL(baseURL, line)

			if isAudioOnly(attrs["CODECS"]) {
				master.Audio = append(master.Audio, AudioRendition{
					GroupID: attrs["AUDIO"],
					Name:    "stream-inf",
					URL:     resolved,
				})
				continue
			}
			master.Variants = append(master.Variants, buildVariant(attrs, resolved, vp9Patterns))
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, apperr.Playlist("parse master", err)
	}
	if len(master.Variants) == 0 {
		return nil, apperr.Playlist("parse master", errors.New("no variants found"))
	}

	return master, nil
}

// IsMediaPlaylist reports whether text lists segments directly.
func IsMediaPlaylist(text string) bool {
	return strings.Contains(text, "#EXTINF") && !strings.Contains(text, "#EXT-X-STREAM-INF")
}

// LabelFromURL extracts a resolution label such as "480p" from a URL,
// defaulting to "720p".
func LabelFromURL(rawURL string) string {
	if m := resolutionInPath.FindStringSubmatch(rawURL); m != nil {
		return m[1] + "p"
	}
	return "720p"
}

func buildVariant(attrs map[string]string, resolved string, vp9Patterns []string) model.QualityVariant {
	v := model.QualityVariant{PlaylistURL: resolved}

	if w, h, ok := parseResolution(attrs["RESOLUTION"]); ok {
		v.Width, v.Height = w, h
		v.ResolutionLabel = model.LabelForHeight(min(w, h))
	} else {
		v.ResolutionLabel = LabelFromURL(resolved)
	}

	if bw, err := strconv.ParseInt(attrs["BANDWIDTH"], 10, 64); err == nil && bw > 0 {
		v.BandwidthBps = bw
	}
	if fps, err := strconv.ParseFloat(attrs["FRAME-RATE"], 64); err == nil {
		v.FPS = fps
	}

	codecs, hasCodecs := attrs["CODECS"]
	v.CodecString = codecs
	matchesVP9 := matchesAny(resolved, vp9Patterns) || (hasCodecs && matchesAny(codecs, vp9Patterns))

	switch {
	case hasCodecs:
		v.Codec = model.ParseCodec(codecs)
	case matchesVP9:
		v.Codec = model.CodecVP9
	default:
		v.Codec = model.CodecH264
	}
	v.IsVP9 = v.Codec.IsVP9Family() || matchesVP9

	return v
}

func parseResolution(value string) (int, int, bool) {
	w, h, found := strings.Cut(strings.ToLower(value), "x")
	if !found {
		return 0, 0, false
	}
	width, err1 := strconv.Atoi(strings.TrimSpace(w))
	height, err2 := strconv.Atoi(strings.TrimSpace(h))
	if err1 != nil || err2 != nil || width <= 0 || height <= 0 {
		return 0, 0, false
	}
	return width, height, true
}

func isAudioOnly(codecs string) bool {
	if codecs == "" {
		return false
	}
	for _, c := range strings.Split(strings.ToLower(codecs), ",") {
		if !strings.HasPrefix(strings.TrimSpace(c), "mp4a") {
			return false
		}
	}
	return true
}

func matchesAny(s string, patterns []string) bool {
	s = strings.ToLower(s)
	for _, p := range patterns {
		if p != "" && strings.Contains(s, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

func newScanner(text string) *bufio.Scanner {
	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	return scanner
}
