// Package score maintains cumulative per-player performance records for
// automated test runs. All arithmetic uses exact rationals so that AVERAGE
// aggregation never silently rounds.
package score

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// Aggregation selects how a fragment's value is combined across matches.
type Aggregation int

const (
	// Sum accumulates the contributed value of every match.
	Sum Aggregation = iota
	// Average folds the contributed value into a per-player running average.
	Average
)

// String returns the lowercase aggregation label used in plugin manifests.
func (a Aggregation) String() string {
	switch a {
	case Sum:
		return "sum"
	case Average:
		return "average"
	default:
		return fmt.Sprintf("aggregation(%d)", int(a))
	}
}

// ParseAggregation parses a manifest aggregation label.
//
// Precondition: s should be "sum" or "average" (case-insensitive).
// Postcondition: Returns the Aggregation or a non-nil error.
func ParseAggregation(s string) (Aggregation, error) {
	switch strings.ToLower(s) {
	case "sum":
		return Sum, nil
	case "average":
		return Average, nil
	default:
		return 0, fmt.Errorf("unknown aggregation %q: must be sum or average", s)
	}
}

// Fragment is one named entry of a score definition.
type Fragment struct {
	// Name is the fragment label, e.g. "points" or "wins".
	Name string
	// Aggregation is how the fragment combines across matches.
	Aggregation Aggregation
	// RelevantForRanking marks fragments that feed external ranking exports.
	RelevantForRanking bool
}

// Equal reports whether two fragments are identical by definition.
func (f Fragment) Equal(other Fragment) bool {
	return f.Name == other.Name &&
		f.Aggregation == other.Aggregation &&
		f.RelevantForRanking == other.RelevantForRanking
}

// Definition is the ordered schema of score fragments shared by all matches
// of a game type. A Definition is immutable once handed to a Ledger.
type Definition []Fragment

// Equal reports whether two definitions match fragment-by-fragment in order.
func (d Definition) Equal(other Definition) bool {
	if len(d) != len(other) {
		return false
	}
	for i := range d {
		if !d[i].Equal(other[i]) {
			return false
		}
	}
	return true
}

// Validate checks the definition invariants: at least one fragment, no empty
// or duplicate fragment names.
//
// Postcondition: Returns nil iff the definition is usable by a Ledger.
func (d Definition) Validate() error {
	if len(d) == 0 {
		return errors.New("score definition must contain at least one fragment")
	}
	seen := make(map[string]bool, len(d))
	for i, f := range d {
		if f.Name == "" {
			return fmt.Errorf("fragment %d has an empty name", i)
		}
		if seen[f.Name] {
			return fmt.Errorf("duplicate fragment name %q", f.Name)
		}
		seen[f.Name] = true
	}
	return nil
}

// PlayerScore holds the raw fragment values one player contributed in a
// single match, in definition order.
type PlayerScore struct {
	DisplayName string
	Values      []*big.Rat
}

// NewPlayerScore builds a PlayerScore from int64 fragment values, the common
// case for plugin-reported results.
func NewPlayerScore(displayName string, values ...int64) PlayerScore {
	rats := make([]*big.Rat, len(values))
	for i, v := range values {
		rats[i] = new(big.Rat).SetInt64(v)
	}
	return PlayerScore{DisplayName: displayName, Values: rats}
}
