// Package reconciliation checks that agent ledgers agree with open escrows.
//
// For every agent offer:
//   - lockedBalance equals the summed quantity of its open escrows
//   - lockedBalance never exceeds totalBalance
//   - totalBalance is never negative
//
// Open escrows against an agent with no offer are reported too.
package reconciliation

import (
	"context"
	"fmt"
	"time"

	"github.com/charitycoin/coinescrow/internal/ledger"
)

// Problem names a failed conservation check.
type Problem string

const (
	ProblemLockedMismatch Problem = "locked_mismatch"
	ProblemOverLocked     Problem = "locked_exceeds_total"
	ProblemNegativeTotal  Problem = "negative_total"
	ProblemUnknownAgent   Problem = "unknown_agent"
)

// OfferLister returns every agent offer, including deactivated ones.
type OfferLister interface {
	ListAll(ctx context.Context, limit int) ([]*ledger.Offer, error)
}

// OpenSummer returns the quantity held by open escrows per agent.
type OpenSummer interface {
	SumOpenByAgent(ctx context.Context) (map[string]int64, error)
}

// Mismatch is one agent failing one check.
type Mismatch struct {
	AgentID       string  `json:"agentId"`
	Problem       Problem `json:"problem"`
	TotalBalance  int64   `json:"totalBalance"`
	LockedBalance int64   `json:"lockedBalance"`
	OpenQuantity  int64   `json:"openQuantity"`
}

// Report is the outcome of one run.
type Report struct {
	Checked         int        `json:"checked"`
	Mismatches      []Mismatch `json:"mismatches"`
	LockedCoins     int64      `json:"lockedCoins"`
	OpenEscrowCoins int64      `json:"openEscrowCoins"`
	RanAt           time.Time  `json:"ranAt"`
	Duration        string     `json:"duration"`
}

// OK reports whether every check passed.
func (r *Report) OK() bool { return len(r.Mismatches) == 0 }

// maxOffers bounds a single run.
const maxOffers = 100000

// Runner performs reconciliation.
type Runner struct {
	offers OfferLister
	open   OpenSummer
}

// NewRunner creates a reconciliation runner.
func NewRunner(offers OfferLister, open OpenSummer) *Runner {
	return &Runner{offers: offers, open: open}
}

// RunAll checks every agent. Offers and open sums are read separately, so a
// purchase committing between the two reads can show as a mismatch. Each
// candidate is therefore re-read once and only reported if it persists.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := time.Now()

	report, err := r.check(ctx)
	if err != nil {
		recordError()
		return nil, err
	}
	if !report.OK() {
		confirm, err := r.check(ctx)
		if err != nil {
			recordError()
			return nil, err
		}
		report = confirmed(report, confirm)
	}

	report.RanAt = start
	report.Duration = time.Since(start).String()
	record(report)
	return report, nil
}

func (r *Runner) check(ctx context.Context) (*Report, error) {
	offers, err := r.offers.ListAll(ctx, maxOffers)
	if err != nil {
		return nil, fmt.Errorf("failed to list offers: %w", err)
	}
	open, err := r.open.SumOpenByAgent(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to sum open escrows: %w", err)
	}

	report := &Report{Checked: len(offers), Mismatches: []Mismatch{}}
	seen := make(map[string]bool, len(offers))
	for _, o := range offers {
		seen[o.AgentID] = true
		held := open[o.AgentID]
		report.LockedCoins += o.LockedBalance

		m := Mismatch{
			AgentID:       o.AgentID,
			TotalBalance:  o.TotalBalance,
			LockedBalance: o.LockedBalance,
			OpenQuantity:  held,
		}
		// A negative total is reported on its own; any lock would exceed it.
		if o.TotalBalance < 0 {
			m.Problem = ProblemNegativeTotal
			report.Mismatches = append(report.Mismatches, m)
		} else if o.LockedBalance > o.TotalBalance {
			m.Problem = ProblemOverLocked
			report.Mismatches = append(report.Mismatches, m)
		}
		if o.LockedBalance != held {
			m.Problem = ProblemLockedMismatch
			report.Mismatches = append(report.Mismatches, m)
		}
	}
	for agentID, held := range open {
		report.OpenEscrowCoins += held
		if !seen[agentID] && held != 0 {
			report.Mismatches = append(report.Mismatches, Mismatch{
				AgentID:      agentID,
				Problem:      ProblemUnknownAgent,
				OpenQuantity: held,
			})
		}
	}
	return report, nil
}

// confirmed keeps the second report's figures and only those mismatches
// present in both runs.
func confirmed(first, second *Report) *Report {
	type key struct {
		agent   string
		problem Problem
	}
	before := make(map[key]bool, len(first.Mismatches))
	for _, m := range first.Mismatches {
		before[key{m.AgentID, m.Problem}] = true
	}
	kept := []Mismatch{}
	for _, m := range second.Mismatches {
		if before[key{m.AgentID, m.Problem}] {
			kept = append(kept, m)
		}
	}
	second.Mismatches = kept
	return second
}
