package playlist

import (
	"bufio"
	"bytes"
	"fmt"
	"net/url"
	"strings"
)

// Rewrite rewrites the URIs of a playlist to local names.
//
// Both URI lines and URI="..." attributes are resolved against baseURL and
// passed to local. When local reports ok the URI is replaced by the returned
// name; otherwise the original text is kept. This produces a playlist that can
// be played from the directory holding the downloaded files.
//
// See: https://context7.com/golang/go for Go documentation
func Rewrite(content []byte, baseURL *url.URL, local func(absoluteURL string) (string, bool)) ([]byte, error) {
	var output bytes.Buffer
	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		rewrittenLine := line

		switch {
		case strings.HasPrefix(trimmed, "#"):
			if strings.Contains(trimmed, `URI="`) {
				rewrittenLine = rewriteTagLine(line, baseURL, local)
			}
		case trimmed != "":
			if name, ok := local(resolveURL(baseURL, trimmed)); ok {
				rewrittenLine = name
			}
		}

		output.WriteString(rewrittenLine)
		output.WriteString("\n")
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error scanning playlist: %w", err)
	}

	return output.Bytes(), nil
}

// rewriteTagLine replaces every URI="..." value in a tag line.
func rewriteTagLine(line string, baseURL *url.URL, local func(string) (string, bool)) string {
	var out strings.Builder
	rest := line
	for {
		start := strings.Index(rest, `URI="`)
		if start == -1 {
			break
		}
		valueStart := start + len(`URI="`)
		end := strings.IndexByte(rest[valueStart:], '"')
		if end == -1 {
			break
		}

		value := rest[valueStart : valueStart+end]
		if name, ok := local(resolveURL(baseURL, value)); ok {
			value = name
		}
		out.WriteString(rest[:valueStart])
		out.WriteString(value)
		rest = rest[valueStart+end:]
	}
	out.WriteString(rest)
	return out.String()
}
