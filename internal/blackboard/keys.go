package blackboard

// Well-known signal keys. This is not an exhaustive enum — detectors may
// write any dotted-namespace key — but these are the keys the core itself
// reads (aggregator, cache, behavioural feature consumers).
const (
	KeyUAIsBot          = "ua.is_bot"
	KeyUAFamily         = "ua.family"
	KeyIPProvider       = "ip.provider"
	KeyIPIsDatacenter   = "ip.is_datacenter"
	KeyIPASN            = "ip.asn"
	KeyWaveformBurst     = "waveform.burst_detected"
	KeyWaveformRatePerMin = "waveform.rate_per_min"
	KeyFingerprintMatch  = "fingerprint.match_weight"
	KeyInconsistencyFlag = "inconsistency.flagged"
	KeyAIVerdict         = "ai.verdict"
)
