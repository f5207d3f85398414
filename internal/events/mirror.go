package events

import "github.com/ocx/botdetect/internal/cache"

// CacheMirror adapts an EventEmitter to cache.Mirror, so a
// SignatureAggregateCache write-through can notify the cluster feed without
// importing the events package directly (spec §2 step 6).
type CacheMirror struct {
	Emitter EventEmitter
	Source  string
}

// PublishUpdate emits a TypeSignatureAggregated event for sig.
func (m CacheMirror) PublishUpdate(sig string, ev cache.DetectionEvent) {
	m.Emitter.Emit(TypeSignatureAggregated, m.Source, sig, map[string]interface{}{
		"signature":   sig,
		"probability": ev.Probability,
		"confidence":  ev.Confidence,
		"riskBand":    ev.RiskBand,
		"action":      ev.Action,
		"countryCode": ev.CountryCode,
		"botType":     ev.BotType,
		"botName":     ev.BotName,
		"isBot":       ev.IsBot,
	})
}
