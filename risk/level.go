// Package risk defines the ordered risk scale shared by every trust check.
//
// A Level only ever moves upward within one evaluation: checks call Raise,
// which keeps the highest severity seen so far.
package risk

import (
	"fmt"
	"strings"
)

// Level is an ordered risk classification. The zero value is Low.
type Level int

// Risk levels in ascending severity.
const (
	Low Level = iota
	Medium
	High
)

// String returns the lowercase name of the level.
func (l Level) String() string {
	switch l {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// Raise sets l to at least to. It never lowers l.
func (l *Level) Raise(to Level) {
	if to > *l {
		*l = to
	}
}

// Max returns the most severe of the given levels, or Low if none are given.
func Max(levels ...Level) Level {
	out := Low
	for _, lvl := range levels {
		out.Raise(lvl)
	}
	return out
}

// Parse converts a level name back into a Level.
func Parse(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return Low, nil
	case "medium":
		return Medium, nil
	case "high":
		return High, nil
	default:
		return Low, fmt.Errorf("unknown risk level %q", s)
	}
}

// MarshalText encodes the level by name.
func (l Level) MarshalText() ([]byte, error) {
	if l < Low || l > High {
		return nil, fmt.Errorf("invalid risk level %d", int(l))
	}
	return []byte(l.String()), nil
}

// UnmarshalText decodes a level name.
func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
