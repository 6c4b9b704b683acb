// Package report aggregates exerciser runs into pass, fail and
// inconclusive counts per size tier.
package report

import (
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/fxnlabs/vramtest/internal/exerciser"
	"github.com/fxnlabs/vramtest/internal/session"
)

// Counts tallies buffers by their aggregated status.
type Counts struct {
	Buffers      int `json:"buffers"`
	Passed       int `json:"passed"`
	Failed       int `json:"failed"`
	Inconclusive int `json:"inconclusive"`
}

func (c *Counts) add(s exerciser.Status) {
	c.Buffers++
	switch s {
	case exerciser.Passed:
		c.Passed++
	case exerciser.Mismatch:
		c.Failed++
	case exerciser.Inconclusive:
		c.Inconclusive++
	}
}

// TierSummary aggregates every buffer of one size tier.
type TierSummary struct {
	Tier string `json:"tier"`
	Counts
	MismatchedWords uint64 `json:"mismatchedWords"`
	BytesVerified   uint64 `json:"bytesVerified"`
	// Throughput statistics over verified pattern passes, in bytes per second.
	ThroughputMean   float64 `json:"throughputMean"`
	ThroughputStdDev float64 `json:"throughputStdDev"`
}

// Finding is a discrepancy attributed to the device it was observed on.
type Finding struct {
	Device string `json:"device"`
	exerciser.Discrepancy
}

// Unverified is a (buffer, pattern) pass that could not be verified.
type Unverified struct {
	Device  string           `json:"device"`
	Buffer  session.BufferID `json:"buffer"`
	Tier    string           `json:"tier"`
	Size    uint64           `json:"size"`
	Pattern uint32           `json:"pattern"`
	Reason  string           `json:"reason"`
}

// Report is the aggregated outcome of one or more runs.
type Report struct {
	Devices       []string      `json:"devices"`
	Total         Counts        `json:"total"`
	Tiers         []TierSummary `json:"tiers"`
	Discrepancies []Finding     `json:"discrepancies"`
	Inconclusive  []Unverified  `json:"inconclusive"`
	// Complete is true when every run allocated every buffer and wrote both
	// canonical patterns to it.
	Complete bool          `json:"complete"`
	Duration time.Duration `json:"duration"`
}

// Failed reports whether any buffer mismatched.
func (r Report) Failed() bool {
	return r.Total.Failed > 0
}

// ExitCode maps the report to a process exit status: 1 for any mismatch,
// 2 when nothing mismatched but something could not be verified, 0
// otherwise.
func (r Report) ExitCode() int {
	switch {
	case r.Total.Failed > 0:
		return 1
	case r.Total.Inconclusive > 0 || len(r.Inconclusive) > 0:
		return 2
	default:
		return 0
	}
}

var tierOrder = []string{exerciser.TierKB.Name, exerciser.TierMB.Name, exerciser.TierGB.Name}

// Summarize aggregates runs. Tiers are ordered KB, MB, GB and then any
// other tier in the order first seen. Nil runs are skipped.
func Summarize(runs ...*exerciser.TestRun) Report {
	rep := Report{Complete: true}
	byTier := make(map[string]*TierSummary)
	samples := make(map[string][]float64)
	var seen []string
	devices := make(map[string]bool)

	for _, run := range runs {
		if run == nil {
			continue
		}
		if !devices[run.Device] {
			devices[run.Device] = true
			rep.Devices = append(rep.Devices, run.Device)
		}
		if !run.Complete() {
			rep.Complete = false
		}
		if !run.Finished.IsZero() {
			rep.Duration += run.Finished.Sub(run.Started)
		}
		for _, b := range run.Buffers {
			tier := b.Target.Tier
			ts, ok := byTier[tier]
			if !ok {
				ts = &TierSummary{Tier: tier}
				byTier[tier] = ts
				seen = append(seen, tier)
			}
			status := b.Status()
			ts.add(status)
			rep.Total.add(status)

			for _, p := range b.Patterns {
				ts.MismatchedWords += p.MismatchedWords
				for _, d := range p.Discrepancies {
					rep.Discrepancies = append(rep.Discrepancies, Finding{Device: run.Device, Discrepancy: d})
				}
				if p.Status == exerciser.Inconclusive {
					reason := "unknown"
					if p.Err != nil {
						reason = p.Err.Error()
					}
					rep.Inconclusive = append(rep.Inconclusive, Unverified{
						Device:  run.Device,
						Buffer:  b.Target.Buffer,
						Tier:    tier,
						Size:    b.Target.Size,
						Pattern: p.Pattern,
						Reason:  reason,
					})
					continue
				}
				ts.BytesVerified += p.Bytes
				if tp := p.Throughput(); tp > 0 {
					samples[tier] = append(samples[tier], tp)
				}
			}
		}
	}

	for _, tier := range orderTiers(seen) {
		ts := byTier[tier]
		ts.ThroughputMean, ts.ThroughputStdDev = meanStdDev(samples[tier])
		rep.Tiers = append(rep.Tiers, *ts)
	}
	return rep
}

func orderTiers(seen []string) []string {
	present := make(map[string]bool, len(seen))
	for _, t := range seen {
		present[t] = true
	}
	var out []string
	for _, t := range tierOrder {
		if present[t] {
			out = append(out, t)
			delete(present, t)
		}
	}
	for _, t := range seen {
		if present[t] {
			out = append(out, t)
		}
	}
	return out
}

func meanStdDev(xs []float64) (float64, float64) {
	switch len(xs) {
	case 0:
		return 0, 0
	case 1:
		return xs[0], 0
	}
	return stat.MeanStdDev(xs, nil)
}
