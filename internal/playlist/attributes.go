package playlist

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
)

var errMalformedAttributes = errors.New("malformed attribute list")

// parseAttributes splits an attribute list such as
// `BANDWIDTH=1280000,CODECS="avc1.4d401f,mp4a.40.2",RESOLUTION=1280x720`
// into a map. Commas inside quoted values are not separators. Quotes are
// stripped from values. Keys are upper-cased.
func parseAttributes(list string) (map[string]string, error) {
	attrs := make(map[string]string)
	list = strings.TrimSpace(list)
	if list == "" {
		return attrs, nil
	}

	var parts []string
	inQuotes := false
	start := 0
	for i := 0; i < len(list); i++ {
		switch list[i] {
		case '"':
			inQuotes = !inQuotes
		case ',':
			if !inQuotes {
				parts = append(parts, list[start:i])
				start = i + 1
			}
		}
	}
	if inQuotes {
		return nil, fmt.Errorf("%w: unterminated quote", errMalformedAttributes)
	}
	parts = append(parts, list[start:])

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		eq := strings.IndexByte(part, '=')
		if eq <= 0 {
			return nil, fmt.Errorf("%w: %q has no value", errMalformedAttributes, part)
		}
		key := strings.ToUpper(strings.TrimSpace(part[:eq]))
		value := strings.TrimSpace(part[eq+1:])
		if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
			value = value[1 : len(value)-1]
		}
		attrs[key] = value
	}
	return attrs, nil
}

// tagValue returns the text after "#TAG:" in line.
func tagValue(line, tag string) string {
	return strings.TrimPrefix(line, tag+":")
}

// resolveURL resolves a potentially relative URL against a base URL.
//
// This handles three cases:
// 1. Absolute URLs (http://, https://) - returned as-is
// 2. Absolute paths (/path/to/file) - combined with base scheme and host
// 3. Relative paths (../path or file.ts) - resolved relative to base URL's path
//
// See: https://context7.com/golang/go for Go URL handling documentation
func resolveURL(base *url.URL, ref string) string {
	refURL, err := url.Parse(ref)
	if err != nil {
		// If parsing fails, treat as relative path
		return resolveRelativePath(base, ref)
	}

	if refURL.IsAbs() {
		return ref
	}

	if base == nil {
		return ref
	}
	return base.ResolveReference(refURL).String()
}

// resolveRelativePath resolves a relative path against a base URL.
func resolveRelativePath(base *url.URL, relativePath string) string {
	if base == nil {
		return relativePath
	}
	result := &url.URL{
		Scheme: base.Scheme,
		Host:   base.Host,
		Path:   path.Join(path.Dir(base.Path), relativePath),
	}
	return result.String()
}
