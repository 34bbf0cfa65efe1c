package filesystem

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/knpwrs/hlsarchiver/internal/config"
	"github.com/knpwrs/hlsarchiver/internal/model"
)

var (
	forbiddenChars  = regexp.MustCompile(`[<>:"/\\|?*]`)
	controlChars    = regexp.MustCompile(`[\x00-\x1f\x7f-\x9f]`)
	repeatedSpacing = regexp.MustCompile(`[\s_]+`)
	placeholder     = regexp.MustCompile(`\{(\w+)\}`)
)

// minTitleRunes is how much of the title must survive truncation.
const minTitleRunes = 20

// GenerateFilename builds the file name of a stored variant from template.
//
// Recognised placeholders are {author} {title} {resolution} {quality}
// {codec} {postId} {date} {timestamp}. A template naming anything else is
// replaced by the default template. Every substituted value is sanitised
// and ".mp4" is appended. When the name exceeds the configured maximum
// length the title is shortened with "..."; if that is not enough the name
// falls back to {postId}_{resolution}.
//
// Parameters:
//   - asset: The asset the file belongs to
//   - quality: Resolution label such as "720p"
//   - codec: Codec name
//   - template: Filename template; empty uses the configured one
func (fs *FileSystem) GenerateFilename(asset *model.AssetDescriptor, quality, codec, template string) string {
	if template == "" {
		template = fs.cfg.FilenameTemplate
	}

	values := map[string]string{
		"author":     asset.OwnerName(),
		"title":      asset.Title,
		"resolution": quality,
		"quality":    quality,
		"codec":      codec,
		"postId":     strconv.FormatInt(asset.ID, 10),
		"date":       asset.PublishedAt.Format("20060102"),
		"timestamp":  strconv.FormatInt(asset.PublishedAt.Unix(), 10),
	}
	for k, v := range values {
		values[k] = sanitizeValue(v)
	}

	name, err := render(template, values)
	if err != nil {
		fs.log.Warnf("Invalid filename template %q: %v", template, err)
		template = config.DefaultFilenameTemplate
		name, _ = render(template, values)
	}
	name = finishName(name)

	max := fs.cfg.MaxFilenameLength
	if utf8.RuneCountInString(name) <= max {
		return name
	}

	excess := utf8.RuneCountInString(name) - max
	title := []rune(values["title"])
	if strings.Contains(template, "{title}") && len(title) > excess+minTitleRunes {
		// Separators collapsed around the old title can shift the length,
		// so shorten again by whatever is still over.
		for keep := len(title) - (excess + 3); keep > 0; {
			values["title"] = string(title[:keep]) + "..."
			name, _ = render(template, values)
			name = finishName(name)
			over := utf8.RuneCountInString(name) - max
			if over <= 0 {
				return name
			}
			keep -= over
		}
	}

	return values["postId"] + "_" + values["resolution"] + ".mp4"
}

func render(template string, values map[string]string) (string, error) {
	var unknown string
	out := placeholder.ReplaceAllStringFunc(template, func(m string) string {
		key := m[1 : len(m)-1]
		v, ok := values[key]
		if !ok && unknown == "" {
			unknown = key
		}
		return v
	})
	if unknown != "" {
		return "", fmt.Errorf("unknown placeholder {%s}", unknown)
	}
	return out, nil
}

func finishName(name string) string {
	name = strings.Trim(repeatedSpacing.ReplaceAllString(name, "_"), "._ ")
	if name == "" {
		name = "untitled"
	}
	return name + ".mp4"
}

// sanitizeValue makes a template value safe for use in a file name.
func sanitizeValue(s string) string {
	s = forbiddenChars.ReplaceAllString(s, "_")
	s = controlChars.ReplaceAllString(s, "")
	s = repeatedSpacing.ReplaceAllString(s, "_")
	return strings.Trim(s, ". ")
}

// sanitizeComponent makes s safe as a single directory name.
func sanitizeComponent(s string) string {
	s = strings.ReplaceAll(sanitizeValue(s), "..", "_")
	s = strings.Trim(s, ".")
	if s == "" {
		return "unnamed"
	}
	return s
}
