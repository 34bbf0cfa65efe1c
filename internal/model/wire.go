package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// assetWire is the persisted JSON shape of an AssetDescriptor. Field names
// are fixed by existing data.json files and extractor output.
type assetWire struct {
	PostID             int64         `json:"postId"`
	MediaID            string        `json:"mediaId"`
	BunnyVideoID       string        `json:"bunnyVideoId"`
	UserID             string        `json:"userId"`
	Label              string        `json:"label"`
	Description        *string       `json:"description,omitempty"`
	VideoStreamURL     string        `json:"videoStreamUrl"`
	ThumbnailURL       *string       `json:"thumbnailUrl,omitempty"`
	Duration           *int          `json:"duration,omitempty"`
	ViewsCount         int64         `json:"viewsCount"`
	LikesCount         int64         `json:"likesCount"`
	ExplicitnessRating string        `json:"explicitnessRating"`
	PublishedAt        string        `json:"publishedAt"`
	IsBunnyVideoReady  bool          `json:"isBunnyVideoReady"`
	Hashtags           []string      `json:"hashtags"`
	Author             *authorWire   `json:"author,omitempty"`
	AvailableQualities []qualityWire `json:"availableQualities"`
}

type authorWire struct {
	UserID       string        `json:"userId"`
	Username     string        `json:"username"`
	DisplayName  *string       `json:"displayName,omitempty"`
	IsVerified   bool          `json:"isVerified"`
	IsPartner    bool          `json:"isPartner"`
	ThumbnailURL *string       `json:"thumbnailUrl,omitempty"`
	Links        []ProfileLink `json:"links,omitempty"`
}

type qualityWire struct {
	Resolution  string `json:"resolution"`
	Codec       string `json:"codec"`
	Bandwidth   *int64 `json:"bandwidth,omitempty"`
	PlaylistURL string `json:"playlist_url"`
	IsVP9       bool   `json:"is_vp9"`
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// DecodeAsset parses and validates the wire JSON of an asset descriptor.
func DecodeAsset(data []byte) (*AssetDescriptor, error) {
	var w assetWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode asset descriptor: %w", err)
	}
	return w.toModel()
}

func (w *assetWire) toModel() (*AssetDescriptor, error) {
	if w.PostID <= 0 {
		return nil, fmt.Errorf("postId must be positive, got %d", w.PostID)
	}
	if !isAbsoluteURL(w.VideoStreamURL) {
		return nil, fmt.Errorf("videoStreamUrl must be an absolute URL, got %q", w.VideoStreamURL)
	}

	published, err := parseTimestamp(w.PublishedAt)
	if err != nil {
		return nil, fmt.Errorf("publishedAt: %w", err)
	}

	asset := &AssetDescriptor{
		ID:                 w.PostID,
		MediaID:            w.MediaID,
		ProviderVideoID:    w.BunnyVideoID,
		OwnerID:            w.UserID,
		Title:              w.Label,
		Description:        w.Description,
		StreamURL:          w.VideoStreamURL,
		ThumbnailURL:       w.ThumbnailURL,
		DurationSeconds:    w.Duration,
		ViewCount:          w.ViewsCount,
		LikeCount:          w.LikesCount,
		ExplicitnessRating: ParseRating(w.ExplicitnessRating),
		PublishedAt:        published,
		ReadyForDownload:   w.IsBunnyVideoReady,
		Tags:               NormalizeTags(w.Hashtags),
	}

	if w.Author != nil {
		if !usernamePattern.MatchString(w.Author.Username) {
			return nil, fmt.Errorf("author username %q is invalid", w.Author.Username)
		}
		asset.Owner = &Author{
			ID:           w.Author.UserID,
			Username:     w.Author.Username,
			DisplayName:  w.Author.DisplayName,
			Verified:     w.Author.IsVerified,
			Partner:      w.Author.IsPartner,
			ThumbnailURL: w.Author.ThumbnailURL,
		}
		for _, link := range w.Author.Links {
			if !isAbsoluteURL(link.URL) {
				return nil, fmt.Errorf("author link %q is not an absolute URL", link.URL)
			}
			asset.Owner.ProfileLinks = append(asset.Owner.ProfileLinks, link)
		}
	}

	for i, q := range w.AvailableQualities {
		if !ValidResolutionLabel(q.Resolution) {
			return nil, fmt.Errorf("availableQualities[%d]: invalid resolution %q", i, q.Resolution)
		}
		if !isAbsoluteURL(q.PlaylistURL) {
			return nil, fmt.Errorf("availableQualities[%d]: playlist_url must be absolute", i)
		}
		codec := ParseCodec(q.Codec)
		variant := QualityVariant{
			ResolutionLabel: q.Resolution,
			Codec:           codec,
			CodecString:     q.Codec,
			PlaylistURL:     q.PlaylistURL,
			IsVP9:           q.IsVP9 || codec.IsVP9Family(),
		}
		if q.Bandwidth != nil {
			variant.BandwidthBps = *q.Bandwidth
		}
		asset.AvailableQualities = append(asset.AvailableQualities, variant)
	}

	return asset, nil
}

// EncodeAsset renders an asset in the wire shape, as stored in data.json.
func EncodeAsset(a *AssetDescriptor) ([]byte, error) {
	w := assetWire{
		PostID:             a.ID,
		MediaID:            a.MediaID,
		BunnyVideoID:       a.ProviderVideoID,
		UserID:             a.OwnerID,
		Label:              a.Title,
		Description:        a.Description,
		VideoStreamURL:     a.StreamURL,
		ThumbnailURL:       a.ThumbnailURL,
		Duration:           a.DurationSeconds,
		ViewsCount:         a.ViewCount,
		LikesCount:         a.LikeCount,
		ExplicitnessRating: string(a.ExplicitnessRating),
		IsBunnyVideoReady:  a.ReadyForDownload,
		Hashtags:           a.Tags,
		AvailableQualities: []qualityWire{},
	}
	if w.Hashtags == nil {
		w.Hashtags = []string{}
	}
	if !a.PublishedAt.IsZero() {
		w.PublishedAt = a.PublishedAt.UTC().Format(time.RFC3339)
	}
	if a.Owner != nil {
		w.Author = &authorWire{
			UserID:       a.Owner.ID,
			Username:     a.Owner.Username,
			DisplayName:  a.Owner.DisplayName,
			IsVerified:   a.Owner.Verified,
			IsPartner:    a.Owner.Partner,
			ThumbnailURL: a.Owner.ThumbnailURL,
			Links:        a.Owner.ProfileLinks,
		}
	}
	for _, q := range a.AvailableQualities {
		qw := qualityWire{
			Resolution:  q.ResolutionLabel,
			Codec:       string(q.Codec),
			PlaylistURL: q.PlaylistURL,
			IsVP9:       q.IsVP9,
		}
		if q.BandwidthBps > 0 {
			bw := q.BandwidthBps
			qw.Bandwidth = &bw
		}
		w.AvailableQualities = append(w.AvailableQualities, qw)
	}
	return json.MarshalIndent(w, "", "  ")
}

// NormalizeTags lower-cases, trims and de-duplicates tags, keeping first-seen
// order. A leading '#' is dropped.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(tag), "#")))
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	return out
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.New("unrecognised timestamp " + s)
}

func isAbsoluteURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && u.IsAbs() && u.Host != ""
}
