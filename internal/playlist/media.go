package playlist

import (
	"errors"
	"net/url"
	"strconv"
	"strings"

	"github.com/knpwrs/hlsarchiver/internal/apperr"
	"github.com/knpwrs/hlsarchiver/internal/model"
)

// MediaPlaylist is a parsed media playlist.
type MediaPlaylist struct {
	Fragments      []model.Fragment
	InitURL        string
	TargetDuration float64
	EndList        bool
}

// TotalDuration sums the fragment durations.
func (m *MediaPlaylist) TotalDuration() float64 {
	var total float64
	for _, f := range m.Fragments {
		total += f.DurationSeconds
	}
	return total
}

// ParseMedia parses a media playlist into its fragments in playlist order.
func ParseMedia(text string, baseURL *url.URL) ([]model.Fragment, error) {
	media, err := ParseMediaPlaylist(text, baseURL)
	if err != nil {
		return nil, err
	}
	return media.Fragments, nil
}

// ParseMediaPlaylist parses a media playlist.
//
// Every URI line becomes a Fragment with the next index. It carries the
// duration from the preceding #EXTINF (reset after each fragment), the media
// sequence number when #EXT-X-MEDIA-SEQUENCE was seen, a pending
// #EXT-X-DISCONTINUITY, and the current #EXT-X-KEY URI.
func ParseMediaPlaylist(text string, baseURL *url.URL) (*MediaPlaylist, error) {
	media := &MediaPlaylist{}

	var (
		duration      float64
		discontinuity bool
		keyURL        string
		sequenceSeen  bool
		nextSequence  int64
	)

	scanner := newScanner(text)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, "#EXTINF:"):
			value := tagValue(line, "#EXTINF")
			if comma := strings.IndexByte(value, ','); comma >= 0 {
				value = value[:comma]
			}
			if d, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
				duration = d
			}

		case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
			if n, err := strconv.ParseInt(strings.TrimSpace(tagValue(line, "#EXT-X-MEDIA-SEQUENCE")), 10, 64); err == nil {
				sequenceSeen, nextSequence = true, n
			}

		case line == "#EXT-X-DISCONTINUITY":
			discontinuity = true

		case strings.HasPrefix(line, "#EXT-X-KEY:"):
			attrs, err := parseAttributes(tagValue(line, "#EXT-X-KEY"))
			if err != nil {
				continue
			}
			if strings.EqualFold(attrs["METHOD"], "NONE") || attrs["URI"] == "" {
				keyURL = ""
			} else {
				keyURL = resolveURL(baseURL, attrs["URI"])
			}

		case strings.HasPrefix(line, "#EXT-X-MAP:"):
			attrs, err := parseAttributes(tagValue(line, "#EXT-X-MAP"))
			if err == nil && attrs["URI"] != "" {
				media.InitURL = resolveURL(baseURL, attrs["URI"])
			}

		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			if d, err := strconv.ParseFloat(strings.TrimSpace(tagValue(line, "#EXT-X-TARGETDURATION")), 64); err == nil {
				media.TargetDuration = d
			}

		case line == "#EXT-X-ENDLIST":
			media.EndList = true

		case strings.HasPrefix(line, "#"):
			continue

		default:
			fragment := model.Fragment{
				Index:            len(media.Fragments),
				URL:              resolveURL(baseURL, line),
				DurationSeconds:  duration,
				Discontinuity:    discontinuity,
				EncryptionKeyURL: keyURL,
			}
			if sequenceSeen {
				seq := nextSequence
				fragment.MediaSequence = &seq
				nextSequence++
			}
			media.Fragments = append(media.Fragments, fragment)
			duration, discontinuity = 0, false
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, apperr.Playlist("parse media", err)
	}
	if len(media.Fragments) == 0 {
		return nil, apperr.Playlist("parse media", errors.New("no fragments found"))
	}

	return media, nil
}
