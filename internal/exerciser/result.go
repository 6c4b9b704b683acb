package exerciser

import (
	"fmt"
	"math/bits"
	"time"

	"github.com/fxnlabs/vramtest/internal/session"
)

// Status is the outcome of one (buffer, pattern) pass or of a whole buffer.
type Status int

const (
	Passed Status = iota
	Mismatch
	Inconclusive
)

func (s Status) String() string {
	switch s {
	case Passed:
		return "passed"
	case Mismatch:
		return "mismatch"
	case Inconclusive:
		return "inconclusive"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Discrepancy is one word read back with a value other than the pattern.
// It covers bytes [Offset, Offset+4) of the buffer.
type Discrepancy struct {
	Buffer     session.BufferID
	Tier       string
	BufferSize uint64
	Pattern    uint32
	Offset     uint64
	Expected   uint32
	Observed   uint32
}

// FlippedBits returns the bits that differ between expected and observed.
func (d Discrepancy) FlippedBits() uint32 {
	return d.Expected ^ d.Observed
}

// FlippedCount returns the number of differing bits.
func (d Discrepancy) FlippedCount() int {
	return bits.OnesCount32(d.FlippedBits())
}

func (d Discrepancy) String() string {
	return fmt.Sprintf("%s %s+0x%x: expected 0x%08x, observed 0x%08x",
		d.Tier, d.Buffer, d.Offset, d.Expected, d.Observed)
}

// PatternResult is the outcome of one pattern written to one buffer.
type PatternResult struct {
	Pattern       uint32
	Status        Status
	Discrepancies []Discrepancy
	// MismatchedWords counts every mismatching word, including those beyond
	// the stored Discrepancies.
	MismatchedWords uint64
	// Err is set for inconclusive results.
	Err      error
	Bytes    uint64
	Duration time.Duration
}

// Throughput returns verified bytes per second, or 0 for inconclusive or
// untimed passes.
func (r PatternResult) Throughput() float64 {
	if r.Status == Inconclusive || r.Duration <= 0 {
		return 0
	}
	return float64(r.Bytes) / r.Duration.Seconds()
}

// BufferResult holds the pattern results of one target in pattern order.
type BufferResult struct {
	Target   Target
	Patterns []PatternResult
}

// Status is Mismatch if any pattern mismatched, else Inconclusive if any
// pattern could not be verified, else Passed.
func (b BufferResult) Status() Status {
	status := Passed
	for _, p := range b.Patterns {
		switch p.Status {
		case Mismatch:
			return Mismatch
		case Inconclusive:
			status = Inconclusive
		}
	}
	return status
}

// TestRun is the ordered result of one Exerciser.Run.
type TestRun struct {
	Device   string
	Buffers  []BufferResult
	Started  time.Time
	Finished time.Time
}

// Complete reports whether every buffer was allocated and has a result for
// both canonical patterns.
func (r *TestRun) Complete() bool {
	for _, b := range r.Buffers {
		if b.Target.Buffer == 0 {
			return false
		}
		for _, want := range CanonicalPatterns {
			found := false
			for _, p := range b.Patterns {
				if p.Pattern == want {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	}
	return true
}

// Discrepancies returns every stored discrepancy in buffer and pattern order.
func (r *TestRun) Discrepancies() []Discrepancy {
	var out []Discrepancy
	for _, b := range r.Buffers {
		for _, p := range b.Patterns {
			out = append(out, p.Discrepancies...)
		}
	}
	return out
}
