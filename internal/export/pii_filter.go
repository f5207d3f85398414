// Package export implements the training-export PII filter (spec §4.8): a
// pure transform that strips identifying fields from a per-request signal
// map before it leaves the process for model training, keeping only the
// fields whose retention is justified by the record's bot/human label.
package export

import (
	"regexp"
	"strings"
)

// rawFields are stripped unconditionally regardless of the bot/human label
// (spec §4.8 "Always strip").
var rawFields = map[string]bool{
	"userAgent":     true,
	"rawUserAgent":  true,
	"ip":            true,
	"ipAddress":     true,
	"ipProvider":    true,
	"asn":           true,
	"asnOrg":        true,
	"asnOrganization": true,
}

// uaParsedFields carry a human's browser fingerprint when the record is not
// a bot, or a bot's declared identity when it is — so they're kept only for
// the side that makes them the record's *subject* (spec §4.8).
var uaParsedFields = map[string]bool{
	"uaFamily":    true,
	"uaVersion":   true,
	"os":          true,
	"osVersion":   true,
	"browser":     true,
	"browserType": true,
	"botType":     true,
	"botName":     true,
}

var longNumericOrBase64 = regexp.MustCompile(`^[0-9]{8,}$|^[A-Za-z0-9+/=_-]{20,}$`)

// Filter strips PII from signals, returning nil if nothing survives (spec
// §4.8 "Return null if, after filtering, the map is empty").
func Filter(signals map[string]any, isBotDetected bool) map[string]any {
	out := make(map[string]any, len(signals))

	for key, val := range signals {
		if rawFields[key] {
			continue
		}
		if uaParsedFields[key] {
			if !isBotDetected {
				continue
			}
			out[key] = val
			continue
		}
		if key == "countryCode" || key == "country" {
			if !isBotDetected {
				continue
			}
			out[key] = val
			continue
		}
		if strVal, ok := val.(string); ok {
			if isAbsolutePathWithQuery(strVal) {
				continue
			}
			if longNumericOrBase64.MatchString(strVal) {
				continue
			}
		}
		out[key] = val
	}

	if len(out) == 0 {
		return nil
	}
	return out
}

func isAbsolutePathWithQuery(s string) bool {
	return strings.HasPrefix(s, "/") && strings.Contains(s, "?")
}

// Label derives the training label for a record (spec §4.8 "Label
// derivation").
func Label(probability float64) string {
	switch {
	case probability >= 0.7:
		return "bot"
	case probability <= 0.3:
		return "human"
	default:
		return "uncertain"
	}
}
