// Package earnings answers the Income/Spending aggregator (§4.8): given a
// network, an optional agentIdentifier, a date range and a time zone, it
// scans resolved Payments or Purchases and buckets their terminal-state
// amounts into the daily/monthly/total matrix the /payment/income and
// /purchase/spending routes return.
package earnings

import (
	"context"
	"time"

	"github.com/cardano-escrow/orchestrator/internal/ierr"
	"github.com/cardano-escrow/orchestrator/internal/store"
)

// Category is why an entity's funds landed in a bucket.
type Category string

const (
	// CategoryPrimary is Withdrawn (and the Withdrawn side of a
	// DisputedWithdrawn split): income for a Payment, spend for a Purchase.
	CategoryPrimary Category = "primary"
	CategoryRefund  Category = "refund"
	// CategoryPending covers every non-terminal state; FundsOrDatumInvalid
	// is excluded from the report entirely, not folded in here.
	CategoryPending Category = "pending"
)

// Bucket is one dated entry of a report.
type Bucket struct {
	Date           string
	Units          []store.UnitValue
	BlockchainFees store.BigInt
}

// Total is a whole-range Bucket with no Date.
type Total struct {
	Units          []store.UnitValue
	BlockchainFees store.BigInt
}

// Report is the three-category x three-granularity matrix §6 returns from
// POST /payment/income and POST /purchase/spending.
type Report struct {
	Daily   map[Category][]Bucket
	Monthly map[Category][]Bucket
	Total   map[Category]Total
}

// Perspective picks which side of the escrow a Query scans and which
// Cardano-fee ledger and WithdrawnFor* split it reads.
type Perspective int

const (
	// PerspectiveSeller scans Payments: fees come from TotalSellerCardanoFees,
	// a DisputedWithdrawn split reads WithdrawnForSeller.
	PerspectiveSeller Perspective = iota
	// PerspectiveBuyer scans Purchases: fees come from TotalBuyerCardanoFees,
	// a DisputedWithdrawn split reads WithdrawnForBuyer.
	PerspectiveBuyer
)

// Query selects which rows to scan and how to bucket them.
type Query struct {
	Perspective     Perspective
	Network         store.Network
	AgentIdentifier *string
	// Start, End bound payByTime in unix seconds, the same unit
	// internal/orchestrator validates and stores it in -- see
	// orchestrator.timeWindow's doc comment for why this repo uses
	// seconds rather than the milliseconds §3 names as its default.
	// End==0 means now.
	Start, End int64
	TimeZone        string
}

// Aggregator computes Reports from the Store's resolved Payment/Purchase
// rows. It holds no state of its own; every call re-scans the range given.
type Aggregator struct {
	repos *store.Repositories
}

func New(repos *store.Repositories) *Aggregator {
	return &Aggregator{repos: repos}
}

// Run executes q and returns the bucketed Report.
func (a *Aggregator) Run(ctx context.Context, q Query) (*Report, error) {
	loc, err := time.LoadLocation(q.TimeZone)
	if err != nil {
		return nil, ierr.InvalidArgumentf("unknown time zone %q: %v", q.TimeZone, err)
	}
	end := q.End
	if end == 0 {
		end = time.Now().Unix()
	}

	b := newBuilder(loc)

	switch q.Perspective {
	case PerspectiveBuyer:
		purchases, err := a.repos.Purchases.ListForReport(ctx, q.Network, q.AgentIdentifier, q.Start, end)
		if err != nil {
			return nil, err
		}
		for _, p := range purchases {
			cat, units, ok := categorize(p.OnChainState, p.PaidFunds, p.WithdrawnForSeller, p.WithdrawnForBuyer, q.Perspective)
			if !ok {
				continue
			}
			b.add(cat, p.PayByTime, units, p.TotalBuyerCardanoFees)
		}
	default:
		payments, err := a.repos.Payments.ListForReport(ctx, q.Network, q.AgentIdentifier, q.Start, end)
		if err != nil {
			return nil, err
		}
		for _, p := range payments {
			cat, units, ok := categorize(p.OnChainState, p.RequestedFunds, p.WithdrawnForSeller, p.WithdrawnForBuyer, q.Perspective)
			if !ok {
				continue
			}
			b.add(cat, p.PayByTime, units, p.TotalSellerCardanoFees)
		}
	}

	return b.report, nil
}

// categorize implements §4.8's classification rule. The bool return is
// false for FundsOrDatumInvalid, whose rows are dropped from the report.
func categorize(state store.OnChainState, nominal, withdrawnSeller, withdrawnBuyer []store.UnitValue, perspective Perspective) (Category, []store.UnitValue, bool) {
	switch state {
	case store.OnChainStateWithdrawn:
		return CategoryPrimary, nominal, true
	case store.OnChainStateRefundWithdrawn:
		return CategoryRefund, nominal, true
	case store.OnChainStateDisputedWithdrawn:
		if perspective == PerspectiveBuyer {
			return CategoryPrimary, withdrawnBuyer, true
		}
		return CategoryPrimary, withdrawnSeller, true
	case store.OnChainStateFundsOrDatumInvalid:
		return "", nil, false
	default:
		return CategoryPending, nominal, true
	}
}

// builder accumulates Bucket entries keyed by date string, merging repeat
// visits to the same day/month instead of appending duplicate entries.
type builder struct {
	loc        *time.Location
	report     *Report
	dailyIdx   map[Category]map[string]int
	monthlyIdx map[Category]map[string]int
}

func newBuilder(loc *time.Location) *builder {
	return &builder{
		loc: loc,
		report: &Report{
			Daily:   map[Category][]Bucket{},
			Monthly: map[Category][]Bucket{},
			Total:   map[Category]Total{},
		},
		dailyIdx:   map[Category]map[string]int{},
		monthlyIdx: map[Category]map[string]int{},
	}
}

func (b *builder) add(cat Category, payByTime int64, units []store.UnitValue, fees store.BigInt) {
	t := time.Unix(payByTime, 0).In(b.loc)
	b.addBucket(cat, b.dailyIdx, b.report.Daily, t.Format("2006-01-02"), units, fees)
	b.addBucket(cat, b.monthlyIdx, b.report.Monthly, t.Format("2006-01"), units, fees)

	total := b.report.Total[cat]
	total.Units = mergeUnits(total.Units, units)
	total.BlockchainFees = total.BlockchainFees.Add(fees)
	b.report.Total[cat] = total
}

func (b *builder) addBucket(cat Category, idx map[Category]map[string]int, buckets map[Category][]Bucket, date string, units []store.UnitValue, fees store.BigInt) {
	if idx[cat] == nil {
		idx[cat] = map[string]int{}
	}
	if i, ok := idx[cat][date]; ok {
		existing := buckets[cat][i]
		existing.Units = mergeUnits(existing.Units, units)
		existing.BlockchainFees = existing.BlockchainFees.Add(fees)
		buckets[cat][i] = existing
		return
	}
	idx[cat][date] = len(buckets[cat])
	buckets[cat] = append(buckets[cat], Bucket{Date: date, Units: cloneUnits(units), BlockchainFees: fees})
}

func cloneUnits(units []store.UnitValue) []store.UnitValue {
	out := make([]store.UnitValue, len(units))
	copy(out, units)
	return out
}

func mergeUnits(existing, add []store.UnitValue) []store.UnitValue {
	out := cloneUnits(existing)
	for _, u := range add {
		found := false
		for i := range out {
			if out[i].Unit == u.Unit {
				out[i].Amount = out[i].Amount.Add(u.Amount)
				found = true
				break
			}
		}
		if !found {
			out = append(out, store.UnitValue{Unit: u.Unit, Amount: u.Amount})
		}
	}
	return out
}
