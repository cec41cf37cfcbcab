package score

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"go.uber.org/zap"
)

// ErrInvalidScoreDefinition is returned when a match result's score shape
// does not structurally match a stored player record. The update is rejected
// entirely; no partial write happens.
var ErrInvalidScoreDefinition = errors.New("score definition mismatch")

// Record is the cumulative score of one display name.
type Record struct {
	// DisplayName identifies the player across matches.
	DisplayName string
	// NumberOfTests counts the matches folded into this record.
	NumberOfTests int

	definition Definition
	values     []*big.Rat
}

// Definition returns the record's score definition.
func (r *Record) Definition() Definition { return r.definition }

// Values returns copies of the aggregated fragment values, in definition order.
//
// Postcondition: Mutating the returned rationals does not affect the record.
func (r *Record) Values() []*big.Rat {
	out := make([]*big.Rat, len(r.values))
	for i, v := range r.values {
		out[i] = new(big.Rat).Set(v)
	}
	return out
}

// newRecord seeds a record with every fragment at zero.
func newRecord(def Definition, displayName string) *Record {
	values := make([]*big.Rat, len(def))
	for i := range values {
		values[i] = new(big.Rat)
	}
	return &Record{
		DisplayName: displayName,
		definition:  def,
		values:      values,
	}
}

// Ledger is the process-wide table of cumulative per-player scores. It is
// mutated only through AddResult, which serializes concurrent result
// reporting from finishing rooms. Records keep insertion order for export.
type Ledger struct {
	mu      sync.Mutex
	records []*Record
	byName  map[string]*Record
	logger  *zap.Logger
}

// NewLedger creates an empty Ledger.
//
// Precondition: logger must be non-nil.
func NewLedger(logger *zap.Logger) *Ledger {
	return &Ledger{
		byName: make(map[string]*Record),
		logger: logger,
	}
}

// AddResult folds one finished test match into both players' records.
//
// The update is all-or-nothing: every fragment of def is checked against both
// players' stored definitions before any value changes. A same-name
// self-match is logged and skipped without error, since it carries no usable
// comparison data.
//
// Aggregation per fragment, after incrementing each player's match counter:
//   - Sum:     new = old + contributed
//   - Average: new = (old + contributed) / counter, using each player's own
//     counter. Division is exact rational arithmetic and never rounds.
//
// Precondition: values1 and values2 must have exactly len(def) entries.
// Postcondition: Either both records reflect the match, or (on
// ErrInvalidScoreDefinition) neither record changed at all.
func (l *Ledger) AddResult(def Definition, name1, name2 string, values1, values2 []*big.Rat) error {
	if name1 == name2 {
		l.logger.Warn("both players share a display name, skipping score update",
			zap.String("display_name", name1),
		)
		return nil
	}
	if err := def.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidScoreDefinition, err)
	}
	if len(values1) != len(def) || len(values2) != len(def) {
		return fmt.Errorf("%w: result carries %d/%d values for %d fragments",
			ErrInvalidScoreDefinition, len(values1), len(values2), len(def))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Validate against existing records before touching anything.
	for _, name := range []string{name1, name2} {
		if rec, ok := l.byName[name]; ok && !rec.definition.Equal(def) {
			l.logger.Error("match result score definition does not match stored record",
				zap.String("display_name", name),
			)
			return fmt.Errorf("%w: stored record for %q disagrees with result definition",
				ErrInvalidScoreDefinition, name)
		}
	}

	first := l.findOrCreate(def, name1)
	second := l.findOrCreate(def, name2)

	first.NumberOfTests++
	second.NumberOfTests++

	for i, fragment := range def {
		apply(fragment, first.values[i], values1[i], first.NumberOfTests)
		apply(fragment, second.values[i], values2[i], second.NumberOfTests)
	}
	return nil
}

// apply folds contributed into old in place.
func apply(fragment Fragment, old, contributed *big.Rat, counter int) {
	switch fragment.Aggregation {
	case Average:
		old.Add(old, contributed)
		old.Quo(old, new(big.Rat).SetInt64(int64(counter)))
	default:
		old.Add(old, contributed)
	}
}

func (l *Ledger) findOrCreate(def Definition, name string) *Record {
	if rec, ok := l.byName[name]; ok {
		return rec
	}
	rec := newRecord(def, name)
	l.records = append(l.records, rec)
	l.byName[name] = rec
	return rec
}

// Record returns a snapshot of one player's record.
//
// Postcondition: Returns (copy, true) if the name is known, (nil, false) otherwise.
func (l *Ledger) Record(displayName string) (*Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.byName[displayName]
	if !ok {
		return nil, false
	}
	return snapshotRecord(rec), true
}

// Records returns insertion-ordered snapshots of every record for external
// reporting. Callers cannot mutate the ledger through the returned slice.
func (l *Ledger) Records() []*Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Record, len(l.records))
	for i, rec := range l.records {
		out[i] = snapshotRecord(rec)
	}
	return out
}

// Len returns the number of tracked players.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

func snapshotRecord(rec *Record) *Record {
	return &Record{
		DisplayName:   rec.DisplayName,
		NumberOfTests: rec.NumberOfTests,
		definition:    rec.definition,
		values:        rec.Values(),
	}
}
