package main

import (
	"context"
	"strings"

	"github.com/ocx/botdetect/internal/blackboard"
	"github.com/ocx/botdetect/internal/detector"
	"github.com/ocx/botdetect/internal/envelope"
)

// knownBotMarkers is a tiny illustrative substring list. A real deployment
// wires in an external UA-classification library here instead (spec §1:
// detector algorithms are explicitly out of scope for the core).
var knownBotMarkers = []string{"bot", "crawler", "spider", "curl", "wget", "python-requests"}

// uaHeuristicDetector is a minimal wave-1 detector existing only to give
// this demo something to run; it is not part of the library.
type uaHeuristicDetector struct{}

func (uaHeuristicDetector) Name() string          { return "ua-heuristic" }
func (uaHeuristicDetector) Category() string      { return "UserAgent" }
func (uaHeuristicDetector) Wave() int             { return 1 }
func (uaHeuristicDetector) DefaultWeight() float64 { return 1.0 }
func (uaHeuristicDetector) Priority() int          { return 0 }

func (uaHeuristicDetector) Contribute(ctx context.Context, env *envelope.Request, bb *blackboard.Blackboard) (*detector.Contribution, error) {
	ua := strings.ToLower(env.Headers.Get("User-Agent"))
	if ua == "" {
		return &detector.Contribution{
			Detector:        "ua-heuristic",
			Category:        "UserAgent",
			ConfidenceDelta: 0.3,
			Weight:          1.0,
			Reason:          "missing User-Agent header",
		}, nil
	}
	for _, marker := range knownBotMarkers {
		if strings.Contains(ua, marker) {
			return &detector.Contribution{
				Detector:        "ua-heuristic",
				Category:        "UserAgent",
				ConfidenceDelta: 0.6,
				Weight:          1.0,
				Reason:          "User-Agent matched known bot marker " + marker,
				BotType:         "Automated",
				BotName:         marker,
			}, nil
		}
	}
	return nil, nil
}
