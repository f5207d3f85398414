package export

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	guidLikeSegment   = regexp.MustCompile(`^[0-9a-fA-F-]{8,}$`)
	digitsSegment     = regexp.MustCompile(`^[0-9]{4,}$`)
	base64LikeSegment = regexp.MustCompile(`^[A-Za-z0-9+/=_-]{20,}$`)
)

// GeneralizePath strips query strings and replaces identifying path
// segments with "*" so a request path can be used for training without
// leaking resource IDs (spec §4.8 "Path generaliser").
func GeneralizePath(path string) string {
	if path == "" {
		return "/"
	}
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		path = path[:idx]
	}

	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		if isIdentifyingSegment(seg) {
			segments[i] = "*"
		}
	}

	out := strings.Join(segments, "/")
	if out == "" {
		return "/"
	}
	return out
}

func isIdentifyingSegment(seg string) bool {
	if guidLikeSegment.MatchString(seg) && strings.ContainsRune(seg, '-') {
		return true
	}
	if digitsSegment.MatchString(seg) {
		if _, err := strconv.ParseUint(seg, 10, 64); err == nil {
			return true
		}
	}
	if base64LikeSegment.MatchString(seg) {
		return true
	}
	return false
}
