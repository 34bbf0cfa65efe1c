package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Codec identifies the video codec family of a variant.
type Codec string

const (
	CodecH264    Codec = "h264"
	CodecAVC1    Codec = "avc1"
	CodecVP9     Codec = "vp9"
	CodecVP09    Codec = "vp09"
	CodecHEVC    Codec = "hevc"
	CodecUnknown Codec = "unknown"
)

// ParseCodec maps a CODECS attribute value (for example
// "avc1.64001f,mp4a.40.2") or a bare codec name to a Codec. Audio entries
// are skipped; the first recognised video entry wins.
func ParseCodec(value string) Codec {
	for _, part := range strings.Split(strings.ToLower(value), ",") {
		part = strings.TrimSpace(part)
		switch {
		case part == "":
			continue
		case strings.HasPrefix(part, "mp4a"), strings.HasPrefix(part, "ac-3"), strings.HasPrefix(part, "ec-3"), strings.HasPrefix(part, "opus"):
			continue
		case strings.HasPrefix(part, "avc1"), strings.HasPrefix(part, "avc3"):
			return CodecAVC1
		case strings.HasPrefix(part, "h264"), strings.HasPrefix(part, "h.264"):
			return CodecH264
		case strings.HasPrefix(part, "hvc1"), strings.HasPrefix(part, "hev1"), strings.HasPrefix(part, "hevc"), strings.HasPrefix(part, "h265"):
			return CodecHEVC
		case strings.HasPrefix(part, "vp09"):
			return CodecVP09
		case strings.HasPrefix(part, "vp9"):
			return CodecVP9
		}
	}
	return CodecUnknown
}

// IsVP9Family reports whether c is VP9 or VP09.
func (c Codec) IsVP9Family() bool {
	return c == CodecVP9 || c == CodecVP09
}

// ExplicitnessRating is the content rating carried by an asset.
type ExplicitnessRating string

const (
	FullyExplicit     ExplicitnessRating = "FULLY_EXPLICIT"
	PartiallyExplicit ExplicitnessRating = "PARTIALLY_EXPLICIT"
	NotExplicit       ExplicitnessRating = "NOT_EXPLICIT"
	RatingUnknown     ExplicitnessRating = "UNKNOWN"
)

// ParseRating normalises a wire rating; anything unrecognised is UNKNOWN.
func ParseRating(s string) ExplicitnessRating {
	switch r := ExplicitnessRating(strings.ToUpper(strings.TrimSpace(s))); r {
	case FullyExplicit, PartiallyExplicit, NotExplicit:
		return r
	}
	return RatingUnknown
}

var (
	usernamePattern        = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,50}$`)
	resolutionLabelPattern = regexp.MustCompile(`^\d+p?$`)
)

// ValidResolutionLabel reports whether label looks like "720p" or "720".
func ValidResolutionLabel(label string) bool {
	return resolutionLabelPattern.MatchString(label)
}

// AssetDescriptor is one video unit as delivered by the extractor.
type AssetDescriptor struct {
	ID                 int64
	MediaID            string
	ProviderVideoID    string
	OwnerID            string
	Title              string
	Description        *string
	StreamURL          string
	ThumbnailURL       *string
	DurationSeconds    *int
	ViewCount          int64
	LikeCount          int64
	ExplicitnessRating ExplicitnessRating
	PublishedAt        time.Time
	ReadyForDownload   bool
	Tags               []string
	Owner              *Author
	AvailableQualities []QualityVariant
}

// OwnerName returns the owner's username, or "Unknown" when there is none.
func (a *AssetDescriptor) OwnerName() string {
	if a.Owner != nil && a.Owner.Username != "" {
		return a.Owner.Username
	}
	return "Unknown"
}

// Author is the owner of an asset.
type Author struct {
	ID           string
	Username     string
	DisplayName  *string
	Verified     bool
	Partner      bool
	ThumbnailURL *string
	ProfileLinks []ProfileLink
}

// ProfileLink points at the author on another platform.
type ProfileLink struct {
	Platform string `json:"platform"`
	URL      string `json:"url"`
}

// QualityVariant is one selectable rendition of an asset. Numeric fields are
// zero when the playlist did not provide them.
type QualityVariant struct {
	ResolutionLabel string
	Width           int
	Height          int
	Codec           Codec
	CodecString     string
	BandwidthBps    int64
	FPS             float64
	PlaylistURL     string
	IsVP9           bool
}

// DirName is the directory that holds this variant under the playlist root.
// VP9 variants get their own prefix so they never collide with an H.264
// variant of the same resolution.
func (q QualityVariant) DirName() string {
	if q.IsVP9 {
		return "vp9_" + q.ResolutionLabel
	}
	return q.ResolutionLabel
}

func (q QualityVariant) String() string {
	if q.BandwidthBps > 0 {
		return fmt.Sprintf("%s/%s@%d", q.ResolutionLabel, q.Codec, q.BandwidthBps)
	}
	return fmt.Sprintf("%s/%s", q.ResolutionLabel, q.Codec)
}

// LabelForHeight buckets a pixel height onto the standard resolution ladder.
func LabelForHeight(height int) string {
	switch {
	case height <= 0:
		return ""
	case height <= 144:
		return "144p"
	case height <= 240:
		return "240p"
	case height <= 360:
		return "360p"
	case height <= 480:
		return "480p"
	case height <= 720:
		return "720p"
	case height <= 1080:
		return "1080p"
	case height <= 1440:
		return "1440p"
	case height <= 2160:
		return "2160p"
	}
	return "4320p"
}

// Fragment is one media segment of a media playlist.
type Fragment struct {
	Index            int
	URL              string
	DurationSeconds  float64
	MediaSequence    *int64
	Discontinuity    bool
	EncryptionKeyURL string
}

// StorageMetadata describes one stored file. It is written to metadata.json.
type StorageMetadata struct {
	AssetID       int64     `json:"assetId"`
	Title         string    `json:"title"`
	Owner         string    `json:"owner"`
	FileSizeBytes int64     `json:"fileSizeBytes"`
	FilePath      string    `json:"filePath"`
	FileName      string    `json:"fileName"`
	Quality       string    `json:"quality"`
	Codec         Codec     `json:"codec"`
	Checksum      string    `json:"checksum"`
	Tags          []string  `json:"tags"`
	DownloadedAt  time.Time `json:"downloadedAt"`
}

// DirectoryStructure is the computed layout for one asset.
type DirectoryStructure struct {
	BasePath         string
	AuthorPath       string
	DatePath         string
	AssetPath        string
	PlaylistRootPath string
	QualityPaths     map[string]string
	AudioPath        string
	MetadataPath     string
	DataPath         string
}
