package export

import "time"

// Record is one filtered, labelled training observation (spec §6
// "Training-export record (JSON line)").
type Record struct {
	Label       string         `json:"label"`
	Probability float64        `json:"probability"`
	Signature   string         `json:"signature"`
	Path        string         `json:"path"`
	CountryCode string         `json:"countryCode,omitempty"`
	Signals     map[string]any `json:"signals,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// BuildRecord applies the PII filter and path generaliser to produce an
// exportable record. countryCode is dropped from the top-level field (not
// just from Signals) when the record isn't a bot, same as the "countryCode"
// entry inside signals (spec §4.8 "Country code: keep for bots, strip for
// humans").
func BuildRecord(ts time.Time, signature, path string, probability float64, countryCode string, signals map[string]any) Record {
	isBot := probability >= 0.7
	rec := Record{
		Label:       Label(probability),
		Probability: probability,
		Signature:   signature,
		Path:        GeneralizePath(path),
		Signals:     Filter(signals, isBot),
	}
	if isBot {
		rec.CountryCode = countryCode
	}
	return rec
}
