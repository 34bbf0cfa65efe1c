package downloader

import (
	"context"
	"errors"
	"net/url"

	"github.com/knpwrs/hlsarchiver/internal/apperr"
	"github.com/knpwrs/hlsarchiver/internal/playlist"
)

// sizeSamples is how many fragments EstimateSize probes.
const sizeSamples = 3

// EstimateSize estimates the total size of a media playlist by probing the
// size of its first fragments and extrapolating by fragment count.
func (d *Downloader) EstimateSize(ctx context.Context, playlistURL string) (int64, error) {
	baseURL, err := url.Parse(playlistURL)
	if err != nil {
		return 0, apperr.Playlist("parse url "+playlistURL, err)
	}

	content, err := d.fetcher.Fetch(ctx, playlistURL)
	if err != nil {
		return 0, err
	}
	fragments, err := playlist.ParseMedia(string(content), baseURL)
	if err != nil {
		return 0, err
	}

	var total int64
	sampled := 0
	for _, f := range fragments[:min(sizeSamples, len(fragments))] {
		size, err := d.fetcher.ContentLength(ctx, f.URL)
		if err != nil {
			d.log.Debugf("Size probe failed for %s: %v", f.URL, err)
			continue
		}
		total += size
		sampled++
	}

	if sampled == 0 {
		return 0, apperr.Network("estimate "+playlistURL, errors.New("no fragment size could be probed"))
	}
	return total / int64(sampled) * int64(len(fragments)), nil
}
