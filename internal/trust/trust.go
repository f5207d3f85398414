// Package trust implements upstream-trust hydration (spec §4.6): accepting
// a trusted proxy's pre-computed detection verdict in lieu of running local
// detectors, gated by an HMAC-SHA256 signature over the header values.
package trust

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// MaxSignalsBytes bounds the upstream signals JSON object (spec §4.6 wire
// format, "≤ 16 KiB").
const MaxSignalsBytes = 16 * 1024

// Contribution mirrors the wire-format contribution object (spec §4.6
// "Wire format").
type Contribution struct {
	Name            string  `json:"name"`
	Category        string  `json:"category"`
	ConfidenceDelta float64 `json:"confidenceDelta"`
	Weight          float64 `json:"weight"`
	Contribution    float64 `json:"contribution"`
	Reason          string  `json:"reason"`
	ExecutionTimeMs float64 `json:"executionTimeMs"`
	Priority        int     `json:"priority"`
}

// Headers carries the raw string values of the upstream-trust header set
// (spec §4.6 "Headers parsed").
type Headers struct {
	Detected       string
	Probability    string
	Confidence     string
	BotType        string
	BotName        string
	Category       string
	RiskBand       string
	ProcessingMs   string
	Action         string
	Contributions  string // JSON array
	Reasons        string
	Signals        string // JSON object
	Signature      string
	SignatureEpoch string // timestamp embedded in the signed message
}

// Hydrated is the result of a successful upstream-trust hydration.
type Hydrated struct {
	Detected       bool
	Probability    float64
	Confidence     float64
	BotType        string
	BotName        string
	Category       string
	RiskBand       string
	ProcessingMs   float64
	Action         string
	Contributions  []Contribution
	Reasons        []string
	Signals        map[string]any
}

// Verifier checks the HMAC-SHA256 signature over an upstream-trust header
// set and, on success, parses the remaining fields (spec §4.6).
type Verifier struct {
	secret  []byte
	maxAge  time.Duration
	require bool
}

// NewVerifier returns a Verifier. require controls whether a missing
// signature is treated as a verification failure (spec §4.6: "If an HMAC
// header + secret are configured, require it"). A non-empty secret always
// requires a valid signature; only require=false together with an empty
// secret accepts unsigned upstream headers (e.g. in a closed network where
// the proxy itself is the trust boundary).
func NewVerifier(secret []byte, maxAge time.Duration, require bool) *Verifier {
	return &Verifier{secret: secret, maxAge: maxAge, require: require}
}

// Verify checks h's HMAC signature and, only on success, parses and
// returns the hydrated evidence. Any verification failure fails closed:
// callers must fall through to local detection (spec §4.6 "On any
// verification failure: fail closed").
func (v *Verifier) Verify(h Headers, now time.Time) (*Hydrated, error) {
	if len(v.secret) > 0 || v.require {
		if h.Signature == "" {
			return nil, errors.New("trust: missing upstream signature")
		}
		ts, err := strconv.ParseInt(h.SignatureEpoch, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("trust: malformed signature timestamp: %w", err)
		}
		age := now.Sub(time.Unix(ts, 0))
		if age < 0 {
			age = -age
		}
		if v.maxAge > 0 && age > v.maxAge {
			return nil, fmt.Errorf("trust: upstream signature too old (%s)", age)
		}

		message := fmt.Sprintf("%s:%s:%d", h.Detected, h.Probability, ts)
		if !v.verifyHMAC(message, h.Signature) {
			return nil, errors.New("trust: upstream HMAC verification failed")
		}
	}

	return v.parse(h)
}

// verifyHMAC recomputes HMAC-SHA256 over message and constant-time
// compares it against the base64-encoded signature header (spec §4.6
// "HMAC-SHA256 over detected:probability:timestamp, base64, constant-time
// compare").
func (v *Verifier) verifyHMAC(message, signatureB64 string) bool {
	given, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(message))
	expected := mac.Sum(nil)
	return hmac.Equal(expected, given)
}

func (v *Verifier) parse(h Headers) (*Hydrated, error) {
	out := &Hydrated{
		BotType:  h.BotType,
		BotName:  h.BotName,
		Category: h.Category,
		RiskBand: h.RiskBand,
		Action:   h.Action,
	}

	out.Detected = h.Detected == "true" || h.Detected == "1"

	probRaw := h.Probability
	if probRaw == "" {
		probRaw = h.Confidence
	}
	if probRaw != "" {
		p, err := strconv.ParseFloat(probRaw, 64)
		if err != nil {
			return nil, fmt.Errorf("trust: malformed probability: %w", err)
		}
		out.Probability = p
	}
	if h.Confidence != "" {
		c, err := strconv.ParseFloat(h.Confidence, 64)
		if err != nil {
			return nil, fmt.Errorf("trust: malformed confidence: %w", err)
		}
		out.Confidence = c
	}
	if h.ProcessingMs != "" {
		ms, err := strconv.ParseFloat(h.ProcessingMs, 64)
		if err == nil {
			out.ProcessingMs = ms
		}
	}

	if h.Contributions != "" {
		var contribs []Contribution
		if err := json.Unmarshal([]byte(h.Contributions), &contribs); err != nil {
			return nil, fmt.Errorf("trust: malformed contributions: %w", err)
		}
		out.Contributions = contribs
	}

	if h.Reasons != "" {
		var reasons []string
		if err := json.Unmarshal([]byte(h.Reasons), &reasons); err != nil {
			// Reasons may legitimately arrive as a plain comma-list rather
			// than a JSON array; fall back rather than failing the hydration.
			out.Reasons = []string{h.Reasons}
		} else {
			out.Reasons = reasons
		}
	}

	if h.Signals != "" {
		if len(h.Signals) > MaxSignalsBytes {
			return nil, fmt.Errorf("trust: signals payload exceeds %d bytes", MaxSignalsBytes)
		}
		var signals map[string]any
		if err := json.Unmarshal([]byte(h.Signals), &signals); err != nil {
			return nil, fmt.Errorf("trust: malformed signals: %w", err)
		}
		out.Signals = signals
	}

	return out, nil
}
