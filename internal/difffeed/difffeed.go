// Package difffeed implements the Diff Feed: cursor-ordered pages of
// Payment/Purchase/RegistryRequest rows whose change timestamps advanced,
// read straight off internal/store's ListSince* queries. It adds nothing
// to those queries beyond pagination bookkeeping and the opaque cursor
// token (SPEC_FULL.md §D.4) HTTP clients persist across restarts, the same
// thin-query-building-helper role pkg/database's handler-facing query
// helpers play for pkg/server.
package difffeed

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cardano-escrow/orchestrator/internal/ierr"
	"github.com/cardano-escrow/orchestrator/internal/store"
)

// defaultLimit and maxLimit bound a single page, matching §6's "limit <=
// 100" rule for the list endpoints the Diff Feed shares a pagination shape
// with.
const (
	defaultLimit = 50
	maxLimit     = 100
)

// Mode selects which of a Payment/Purchase's three monotonic
// *LastChangedAt columns a cursor walks.
type Mode string

const (
	ModeNextAction           Mode = "next-action"
	ModeOnChainStateOrResult Mode = "onchain-state-or-result"
	ModeCombined             Mode = "combined"
)

// Cursor is the (timestamp, id) position a client resumes a page from.
// The zero Cursor starts the feed from the beginning of time.
type Cursor struct {
	LastUpdate time.Time
	CursorID   uuid.UUID
}

// EncodeToken renders c as the opaque base64 token HTTP clients persist
// instead of reconstructing pagination state from two separate JSON
// fields -- a transport nicety, not a semantic change to the cursor
// contract itself.
func EncodeToken(c Cursor) string {
	raw := fmt.Sprintf("1:%d:%s", c.LastUpdate.UnixNano(), c.CursorID.String())
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeToken parses a token produced by EncodeToken. The zero Cursor and
// a nil error are returned for an empty token, so "no cursor yet" and "an
// empty starting page" both resume correctly without a special case in
// the caller.
func DecodeToken(token string) (Cursor, error) {
	if token == "" {
		return Cursor{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, ierr.InvalidArgumentf("malformed diff cursor token")
	}
	parts := strings.SplitN(string(raw), ":", 3)
	if len(parts) != 3 || parts[0] != "1" {
		return Cursor{}, ierr.InvalidArgumentf("malformed diff cursor token")
	}
	nanos, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Cursor{}, ierr.InvalidArgumentf("malformed diff cursor token")
	}
	id, err := uuid.Parse(parts[2])
	if err != nil {
		return Cursor{}, ierr.InvalidArgumentf("malformed diff cursor token")
	}
	return Cursor{LastUpdate: time.Unix(0, nanos), CursorID: id}, nil
}

// Page is one Diff Feed response: the matched rows plus the cursor token
// the caller persists to resume exactly where this page left off. When
// Items is empty, NextCursor echoes the request's own cursor unchanged --
// nothing happened since, so replaying the same token is always safe.
type Page[T any] struct {
	Items      []T
	NextCursor string
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

// Feed reads Payment/Purchase/RegistryRequest pages against repos.
type Feed struct {
	repos *store.Repositories
}

func New(repos *store.Repositories) *Feed {
	return &Feed{repos: repos}
}

// Payments returns one page of Payments whose change timestamp for mode
// advanced at or after the cursor's position.
func (f *Feed) Payments(ctx context.Context, mode Mode, cursor Cursor, limit int) (Page[*store.Payment], error) {
	limit = clampLimit(limit)
	var (
		rows []*store.Payment
		err  error
	)
	switch mode {
	case ModeNextAction:
		rows, err = f.repos.Payments.ListSinceNextActionChanged(ctx, cursor.LastUpdate, cursor.CursorID, limit)
	case ModeOnChainStateOrResult:
		rows, err = f.repos.Payments.ListSinceStateOrResultChanged(ctx, cursor.LastUpdate, cursor.CursorID, limit)
	case ModeCombined:
		rows, err = f.repos.Payments.ListSinceCombinedChanged(ctx, cursor.LastUpdate, cursor.CursorID, limit)
	default:
		return Page[*store.Payment]{}, ierr.InvalidArgumentf("unknown diff feed mode %q for payments", mode)
	}
	if err != nil {
		return Page[*store.Payment]{}, err
	}
	page := Page[*store.Payment]{Items: rows, NextCursor: EncodeToken(cursor)}
	if n := len(rows); n > 0 {
		last := rows[n-1]
		page.NextCursor = EncodeToken(Cursor{LastUpdate: changedAtPayment(last, mode), CursorID: last.ID})
	}
	return page, nil
}

func changedAtPayment(p *store.Payment, mode Mode) time.Time {
	switch mode {
	case ModeNextAction:
		return p.NextActionLastChangedAt
	case ModeOnChainStateOrResult:
		return p.OnChainStateOrResultLastChangedAt
	default:
		return p.NextActionOrOnChainStateOrResultLastChanged
	}
}

// Purchases is Payments' Purchase-side mirror.
func (f *Feed) Purchases(ctx context.Context, mode Mode, cursor Cursor, limit int) (Page[*store.Purchase], error) {
	limit = clampLimit(limit)
	var (
		rows []*store.Purchase
		err  error
	)
	switch mode {
	case ModeNextAction:
		rows, err = f.repos.Purchases.ListSinceNextActionChanged(ctx, cursor.LastUpdate, cursor.CursorID, limit)
	case ModeOnChainStateOrResult:
		rows, err = f.repos.Purchases.ListSinceStateOrResultChanged(ctx, cursor.LastUpdate, cursor.CursorID, limit)
	case ModeCombined:
		rows, err = f.repos.Purchases.ListSinceCombinedChanged(ctx, cursor.LastUpdate, cursor.CursorID, limit)
	default:
		return Page[*store.Purchase]{}, ierr.InvalidArgumentf("unknown diff feed mode %q for purchases", mode)
	}
	if err != nil {
		return Page[*store.Purchase]{}, err
	}
	page := Page[*store.Purchase]{Items: rows, NextCursor: EncodeToken(cursor)}
	if n := len(rows); n > 0 {
		last := rows[n-1]
		page.NextCursor = EncodeToken(Cursor{LastUpdate: changedAtPurchase(last, mode), CursorID: last.ID})
	}
	return page, nil
}

func changedAtPurchase(p *store.Purchase, mode Mode) time.Time {
	switch mode {
	case ModeNextAction:
		return p.NextActionLastChangedAt
	case ModeOnChainStateOrResult:
		return p.OnChainStateOrResultLastChangedAt
	default:
		return p.NextActionOrOnChainStateOrResultLastChanged
	}
}

// Registrations is the single (next-action) cursor §4.7's Registration
// Lifecycle exposes.
func (f *Feed) Registrations(ctx context.Context, cursor Cursor, limit int) (Page[*store.RegistryRequest], error) {
	limit = clampLimit(limit)
	rows, err := f.repos.RegistryRequests.ListSinceChanged(ctx, cursor.LastUpdate, cursor.CursorID, limit)
	if err != nil {
		return Page[*store.RegistryRequest]{}, err
	}
	page := Page[*store.RegistryRequest]{Items: rows, NextCursor: EncodeToken(cursor)}
	if n := len(rows); n > 0 {
		last := rows[n-1]
		page.NextCursor = EncodeToken(Cursor{LastUpdate: last.NextActionLastChangedAt, CursorID: last.ID})
	}
	return page, nil
}
