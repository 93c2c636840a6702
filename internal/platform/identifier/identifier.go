// Package identifier generates the human-facing numbers that appear in
// reports and on patient and staff documents:
//
//	REF<YYYY><MM><seq6>    referral numbers, sequence resets monthly
//	DISP<YYYYMMDD><seq4>   dispatch numbers, sequence resets daily
//	MRN<YYYY><seq6>        medical record numbers, sequence resets yearly
//
// The formats are a durable external contract.
package identifier

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ehr/referrals/internal/platform/clock"
)

// ErrSequenceExhausted is returned when a period's sequence no longer fits
// its zero-padded width.
var ErrSequenceExhausted = errors.New("identifier sequence exhausted")

// Sequencer hands out monotonically increasing numbers per scope, starting
// at 1.
type Sequencer interface {
	Next(ctx context.Context, scope string) (int64, error)
}

// Generator formats identifiers from a Sequencer and a Clock.
type Generator struct {
	seq   Sequencer
	clock clock.Clock
}

// NewGenerator creates a Generator.
func NewGenerator(seq Sequencer, clk clock.Clock) *Generator {
	return &Generator{seq: seq, clock: clk}
}

// NextReferralNumber returns the next REF<YYYY><MM><seq6> number.
func (g *Generator) NextReferralNumber(ctx context.Context) (string, error) {
	period := g.clock.Now().UTC().Format("200601")
	n, err := g.next(ctx, "REF", period, 999999)
	if err != nil {
		return "", err
	}
	return FormatReferralNumber(period, n), nil
}

// NextDispatchNumber returns the next DISP<YYYYMMDD><seq4> number.
func (g *Generator) NextDispatchNumber(ctx context.Context) (string, error) {
	period := g.clock.Now().UTC().Format("20060102")
	n, err := g.next(ctx, "DISP", period, 9999)
	if err != nil {
		return "", err
	}
	return FormatDispatchNumber(period, n), nil
}

// NextMRN returns the next MRN<YYYY><seq6> number.
func (g *Generator) NextMRN(ctx context.Context) (string, error) {
	period := g.clock.Now().UTC().Format("2006")
	n, err := g.next(ctx, "MRN", period, 999999)
	if err != nil {
		return "", err
	}
	return FormatMRN(period, n), nil
}

func (g *Generator) next(ctx context.Context, prefix, period string, max int64) (int64, error) {
	n, err := g.seq.Next(ctx, prefix+":"+period)
	if err != nil {
		return 0, fmt.Errorf("next %s sequence: %w", prefix, err)
	}
	if n < 1 || n > max {
		return 0, fmt.Errorf("%s%s: %w", prefix, period, ErrSequenceExhausted)
	}
	return n, nil
}

// FormatReferralNumber formats REF<YYYYMM><seq6>.
func FormatReferralNumber(yyyymm string, seq int64) string {
	return fmt.Sprintf("REF%s%06d", yyyymm, seq)
}

// FormatDispatchNumber formats DISP<YYYYMMDD><seq4>.
func FormatDispatchNumber(yyyymmdd string, seq int64) string {
	return fmt.Sprintf("DISP%s%04d", yyyymmdd, seq)
}

// FormatMRN formats MRN<YYYY><seq6>.
func FormatMRN(yyyy string, seq int64) string {
	return fmt.Sprintf("MRN%s%06d", yyyy, seq)
}

// ParseReferralNumber splits a referral number into its period and sequence.
func ParseReferralNumber(s string) (period time.Time, seq int64, err error) {
	if len(s) != len("REF")+6+6 || s[:3] != "REF" {
		return time.Time{}, 0, fmt.Errorf("malformed referral number %q", s)
	}
	period, err = time.Parse("200601", s[3:9])
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("malformed referral number %q: %w", s, err)
	}
	seq, err = strconv.ParseInt(s[9:], 10, 64)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("malformed referral number %q: %w", s, err)
	}
	return period, seq, nil
}

// ParseMRN splits a medical record number into its year and sequence.
func ParseMRN(s string) (year int, seq int64, err error) {
	if len(s) != len("MRN")+4+6 || s[:3] != "MRN" {
		return 0, 0, fmt.Errorf("malformed MRN %q", s)
	}
	y, err := time.Parse("2006", s[3:7])
	if err != nil {
		return 0, 0, fmt.Errorf("malformed MRN %q: %w", s, err)
	}
	seq, err = strconv.ParseInt(s[7:], 10, 64)
	if err != nil || seq < 1 {
		return 0, 0, fmt.Errorf("malformed MRN %q", s)
	}
	return y.Year(), seq, nil
}

// MemorySequencer is an in-process Sequencer.
type MemorySequencer struct {
	mu       sync.Mutex
	counters map[string]int64
}

// NewMemorySequencer creates an empty MemorySequencer.
func NewMemorySequencer() *MemorySequencer {
	return &MemorySequencer{counters: make(map[string]int64)}
}

func (s *MemorySequencer) Next(_ context.Context, scope string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[scope]++
	return s.counters[scope], nil
}
