package signature

import (
	"encoding/hex"
	"net"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// hexPrefixLen is the fixed hex prefix taken as the storable signature
// (spec §4.5: "Take a fixed hex prefix (e.g. 16 chars)").
const hexPrefixLen = 16

// ClientSideFingerprint carries the optional client-side postback fields
// used to derive the clientSide and plugin signatures (spec §4.5).
type ClientSideFingerprint struct {
	Canvas  string
	WebGL   string
	Audio   string
	Plugins string
	Fonts   string
	Extensions string
}

// Set is the per-request signature bundle (spec §3 "Signature set").
type Set struct {
	Primary    string
	IP         string
	UA         string
	IPSubnet   string
	ClientSide string // "" if no client-side postback was available
	Plugin     string // "" if no client-side postback was available
}

// Derive computes the signature set for one request (spec §4.5 "Signature
// derivation"). ip must be the raw connection IP and ua the raw
// User-Agent; neither is retained by the returned Set.
func Derive(kh *KeyHolder, ip, ua string, client *ClientSideFingerprint) Set {
	key := kh.Key()
	defer zero(key)

	s := Set{
		Primary:  mac(key, ip, "\x00", ua),
		IP:       mac(key, ip),
		UA:       mac(key, ua),
		IPSubnet: mac(key, subnet24(ip)),
	}
	if client != nil {
		s.ClientSide = mac(key, client.Canvas, client.WebGL, client.Audio)
		s.Plugin = mac(key, client.Plugins, client.Fonts, client.Extensions)
	}
	return s
}

// mac computes a keyed BLAKE2b MAC over the concatenation of parts and
// returns its hex-encoded, fixed-length prefix. BLAKE2b's native keying
// (rather than HMAC-wrapping a hash) is used here per spec §4.5's
// "cryptographically strong keyed hash" requirement — the upstream-trust
// verification path (internal/trust) uses HMAC-SHA256 specifically, as the
// wire format there is fixed by spec §4.6.
func mac(key []byte, parts ...string) string {
	h, err := blake2b.New256(key)
	if err != nil {
		// Only returned for a key longer than 64 bytes; NewKeyHolder rejects
		// such keys, so this path is unreachable in practice.
		panic("signature: invalid MAC key: " + err.Error())
	}
	for _, p := range parts {
		h.Write([]byte(p))
	}
	sum := h.Sum(nil)
	digest := hex.EncodeToString(sum)
	if len(digest) > hexPrefixLen {
		digest = digest[:hexPrefixLen]
	}
	return digest
}

// subnet24 truncates an IPv4 address to its /24 network, or an IPv6
// address to its /64 network. Malformed input is returned unchanged so the
// MAC still produces a stable (if degenerate) signature.
func subnet24(ip string) string {
	addr := net.ParseIP(ip)
	if addr == nil {
		return ip
	}
	if v4 := addr.To4(); v4 != nil {
		return net.IPv4(v4[0], v4[1], v4[2], 0).String() + "/24"
	}
	mask := net.CIDRMask(64, 128)
	return addr.Mask(mask).String() + "/64"
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Factor weights for fuzzy cross-session matching (spec §4.5 "Fuzzy
// match").
const (
	WeightPrimary    = 100
	WeightIP         = 50
	WeightUA         = 50
	WeightIPSubnet   = 30
	WeightClientSide = 80
	WeightPlugin     = 60
)

// DefaultMinWeightForMatch is the combined weight required for a strong
// match (spec §4.5).
const DefaultMinWeightForMatch = 100

// DefaultMinWeightForWeakMatch and DefaultMinFactorsForWeakMatch define the
// weaker match condition: combined weight >= this AND at least this many
// distinct factors agree.
const (
	DefaultMinWeightForWeakMatch   = 80
	DefaultMinFactorsForWeakMatch  = 2
)

// MatchOptions configures FuzzyMatch's thresholds, defaulting to the spec
// §4.5 values.
type MatchOptions struct {
	MinWeightForMatch      float64
	MinWeightForWeakMatch  float64
	MinFactorsForWeakMatch int
}

// DefaultMatchOptions returns the spec-mandated defaults.
func DefaultMatchOptions() MatchOptions {
	return MatchOptions{
		MinWeightForMatch:      DefaultMinWeightForMatch,
		MinWeightForWeakMatch:  DefaultMinWeightForWeakMatch,
		MinFactorsForWeakMatch: DefaultMinFactorsForWeakMatch,
	}
}

// FuzzyMatch reports whether observed matches candidate closely enough to
// be treated as the same visitor across sessions, per the weighted-voting
// rule in spec §4.5.
func FuzzyMatch(observed, candidate Set, opts MatchOptions) bool {
	var weight float64
	var factors int

	add := func(a, b string, w float64) {
		if a == "" || b == "" {
			return
		}
		if strings.EqualFold(a, b) {
			weight += w
			factors++
		}
	}

	add(observed.Primary, candidate.Primary, WeightPrimary)
	add(observed.IP, candidate.IP, WeightIP)
	add(observed.UA, candidate.UA, WeightUA)
	add(observed.IPSubnet, candidate.IPSubnet, WeightIPSubnet)
	add(observed.ClientSide, candidate.ClientSide, WeightClientSide)
	add(observed.Plugin, candidate.Plugin, WeightPlugin)

	if weight >= opts.MinWeightForMatch {
		return true
	}
	return weight >= opts.MinWeightForWeakMatch && factors >= opts.MinFactorsForWeakMatch
}
