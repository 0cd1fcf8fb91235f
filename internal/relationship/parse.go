package relationship

import (
	"encoding/json"
	"errors"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

var ErrUnparsable = errors.New("unparsable relationship response")

const maxDelta = 5

var (
	intRegex    = regexp.MustCompile(`[+-]?\d+`)
	objectRegex = regexp.MustCompile(`(?s)\{.*?\}`)
)

// Delta is the scored change of one exchange.
type Delta struct {
	Value  int    `json:"delta"`
	Reason string `json:"reason"`
}

// parseInitial returns the first integer of s, clamped to the favor range.
func parseInitial(s string) (int, bool) {
	m := intRegex.FindString(s)
	if m == "" {
		return 0, false
	}
	n, err := strconv.Atoi(m)
	if err != nil {
		return 0, false
	}
	return Clamp(n), true
}

// parseDelta reads {"delta": n, "reason": "..."} or, failing that, a bare
// signed integer. The value is bounded to [-5, 5].
func parseDelta(s string) (Delta, error) {
	for _, obj := range objectRegex.FindAllString(s, -1) {
		var raw struct {
			Delta  *float64 `json:"delta"`
			Reason string   `json:"reason"`
		}
		if err := json.Unmarshal([]byte(obj), &raw); err != nil || raw.Delta == nil {
			continue
		}
		return Delta{Value: boundFloatDelta(*raw.Delta), Reason: strings.TrimSpace(raw.Reason)}, nil
	}

	if m := intRegex.FindString(s); m != "" {
		// Atoi saturates on overflow, which boundDelta then caps.
		if n, err := strconv.Atoi(m); err == nil || errors.Is(err, strconv.ErrRange) {
			return Delta{Value: boundDelta(n)}, nil
		}
	}
	return Delta{}, ErrUnparsable
}

// boundFloatDelta caps f before the int conversion; out-of-range floats
// do not convert reliably.
func boundFloatDelta(f float64) int {
	return int(math.Round(math.Max(-maxDelta, math.Min(maxDelta, f))))
}

func boundDelta(n int) int {
	if n > maxDelta {
		return maxDelta
	}
	if n < -maxDelta {
		return -maxDelta
	}
	return n
}

// cleanDescriptor takes the first non-blank line without surrounding
// quotes. ok is false outside 2 to 40 runes.
func cleanDescriptor(s string) (string, bool) {
	var line string
	for _, l := range strings.Split(s, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			line = l
			break
		}
	}
	line = strings.Trim(line, " \t\"'“”「」『』")
	line = strings.TrimSpace(line)
	n := utf8.RuneCountInString(line)
	return line, n >= 2 && n <= 40
}
