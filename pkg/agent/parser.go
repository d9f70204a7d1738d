// Package agent implements the model-driven roles of a session: the
// worker execution loop, the arbiter that decides when a worker needs
// help, and the expert that answers escalated questions.
package agent

import (
	"regexp"
	"strconv"
	"strings"
)

// ParsedResponse is the structured form of a worker model reply.
type ParsedResponse struct {
	Thought    string
	Code       string
	Confidence float64
}

// defaultConfidence is assumed when the model omits or mangles the
// CONFIDENCE line.
const defaultConfidence = 0.5

var (
	thoughtRe    = regexp.MustCompile(`(?is)THOUGHT:\s*(.+?)(?:\nCODE:|\nCONFIDENCE:|$)`)
	codeFenceRe  = regexp.MustCompile("(?s)```python\n(.*?)```")
	codeLabelRe  = regexp.MustCompile(`(?is)CODE:\s*(.+?)(?:\nCONFIDENCE:|$)`)
	confidenceRe = regexp.MustCompile(`(?i)CONFIDENCE:\s*([0-9]*\.?[0-9]+)`)
)

// ParseResponse extracts THOUGHT, CODE, and CONFIDENCE from a model
// reply. The code block is taken from a python fence when present,
// falling back to the CODE: label. Malformed output degrades to empty
// fields with confidence 0.5; out-of-range confidence clamps to [0,1].
func ParseResponse(response string) ParsedResponse {
	parsed := ParsedResponse{Confidence: defaultConfidence}

	if m := thoughtRe.FindStringSubmatch(response); m != nil {
		parsed.Thought = strings.TrimSpace(m[1])
	}

	if m := codeFenceRe.FindStringSubmatch(response); m != nil {
		parsed.Code = strings.TrimSpace(m[1])
	} else if m := codeLabelRe.FindStringSubmatch(response); m != nil {
		parsed.Code = strings.TrimSpace(m[1])
	}

	if m := confidenceRe.FindStringSubmatch(response); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			parsed.Confidence = clamp01(v)
		}
	}
	return parsed
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
