package pipeline

import (
	"net/url"
	"path"
	"regexp"
	"strings"
)

var invalidFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// ParseSourceType maps a free-text type hint ("HTML/XML", "Javascript",
// "PDF") onto a SourceType.
func ParseSourceType(hint string) SourceType {
	lower := strings.ToLower(strings.TrimSpace(hint))
	switch {
	case lower == "":
		return SourceUnknown
	case strings.Contains(lower, "pdf"):
		return SourcePDF
	case strings.Contains(lower, "html"),
		strings.Contains(lower, "xml"),
		strings.Contains(lower, "javascript"):
		return SourceHTML
	default:
		return SourceUnknown
	}
}

// DetectType keeps an explicit HTML or PDF declaration and otherwise infers
// the type from the URL path suffix.
func DetectType(declared SourceType, rawURL string) SourceType {
	if declared == SourceHTML || declared == SourcePDF {
		return declared
	}
	return TypeFromURL(rawURL)
}

// TypeFromURL infers the source type from the last path segment.
func TypeFromURL(rawURL string) SourceType {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	last := strings.ToLower(path.Base(strings.TrimRight(p, "/")))
	switch {
	case strings.HasSuffix(last, ".pdf"):
		return SourcePDF
	case strings.HasSuffix(last, ".html"), strings.HasSuffix(last, ".htm"):
		return SourceHTML
	case last == "." || last == "/" || !strings.Contains(last, "."):
		return SourceHTML
	default:
		return SourceUnknown
	}
}

// SafeFilename turns a display name into a filesystem-safe stem.
func SafeFilename(name string) string {
	stem := invalidFilenameChars.ReplaceAllString(strings.TrimSpace(name), "_")
	stem = strings.Trim(stem, "._-")
	if stem == "" {
		return "untitled"
	}
	return Truncate(stem, 120)
}
