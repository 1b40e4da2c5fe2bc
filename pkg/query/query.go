// Package query serves read-only projections of the ledger.
package query

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/84hero/escrow-indexer/pkg/escrow"
	"github.com/84hero/escrow-indexer/pkg/ledger"
)

var (
	ErrNotFound      = errors.New("escrow not found")
	ErrInvalidFilter = errors.New("invalid filter")
)

// Source is where the service reads from. ledger.Store satisfies it, as does
// FixtureSource.
type Source interface {
	ledger.Reader
}

// Filter holds raw, unvalidated filter values as received from a caller.
// Empty fields match everything.
type Filter struct {
	Buyer  string
	Seller string
	Status string
}

// Status reports indexing progress.
type Status struct {
	Cursor *ledger.Cursor `json:"cursor"`
	// Head is the last chain head the indexer saw; 0 when unknown.
	Head uint64 `json:"head,omitempty"`
	Lag  uint64 `json:"lag,omitempty"`
}

type Service struct {
	src  Source
	head func() uint64
}

type Option func(*Service)

// WithHead reports the chain head in Status.
func WithHead(fn func() uint64) Option {
	return func(s *Service) { s.head = fn }
}

func NewService(src Source, opts ...Option) *Service {
	s := &Service{src: src}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Get(ctx context.Context, id string) (*escrow.Record, error) {
	eid, err := escrow.ParseID(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFilter, err)
	}
	r, err := s.src.Get(ctx, eid)
	if err != nil {
		return nil, mapErr(err)
	}
	return r, nil
}

func (s *Service) ByBuyer(ctx context.Context, buyer string, p ledger.Page) (*ledger.PageResult, error) {
	if strings.TrimSpace(buyer) == "" {
		return nil, fmt.Errorf("%w: buyer is required", ErrInvalidFilter)
	}
	return s.List(ctx, Filter{Buyer: buyer}, p)
}

func (s *Service) BySeller(ctx context.Context, seller string, p ledger.Page) (*ledger.PageResult, error) {
	if strings.TrimSpace(seller) == "" {
		return nil, fmt.Errorf("%w: seller is required", ErrInvalidFilter)
	}
	return s.List(ctx, Filter{Seller: seller}, p)
}

func (s *Service) ByStatus(ctx context.Context, status string, p ledger.Page) (*ledger.PageResult, error) {
	if strings.TrimSpace(status) == "" {
		return nil, fmt.Errorf("%w: status is required", ErrInvalidFilter)
	}
	return s.List(ctx, Filter{Status: status}, p)
}

// List returns escrows ordered by (createdAt, id) matching every non-empty filter field.
func (s *Service) List(ctx context.Context, f Filter, p ledger.Page) (*ledger.PageResult, error) {
	lf, err := f.parse()
	if err != nil {
		return nil, err
	}
	res, err := s.src.List(ctx, lf, p)
	if err != nil {
		return nil, mapErr(err)
	}
	return res, nil
}

// History returns the events applied to an escrow, oldest first.
func (s *Service) History(ctx context.Context, id string) ([]ledger.JournalEntry, error) {
	eid, err := escrow.ParseID(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFilter, err)
	}
	entries, err := s.src.History(ctx, eid)
	if err != nil {
		return nil, mapErr(err)
	}
	return entries, nil
}

func (s *Service) Status(ctx context.Context) (*Status, error) {
	cur, err := s.src.Cursor(ctx)
	if err != nil {
		return nil, err
	}
	st := &Status{Cursor: cur}
	if s.head != nil {
		st.Head = s.head()
		if cur != nil && st.Head > cur.Height {
			st.Lag = st.Head - cur.Height
		}
	}
	return st, nil
}

func (f Filter) parse() (ledger.Filter, error) {
	var out ledger.Filter
	if f.Buyer != "" {
		a, err := escrow.ParseAddress(f.Buyer)
		if err != nil {
			return out, fmt.Errorf("%w: buyer: %w", ErrInvalidFilter, err)
		}
		out.Buyer = &a
	}
	if f.Seller != "" {
		a, err := escrow.ParseAddress(f.Seller)
		if err != nil {
			return out, fmt.Errorf("%w: seller: %w", ErrInvalidFilter, err)
		}
		out.Seller = &a
	}
	if f.Status != "" {
		st, err := escrow.ParseStatus(f.Status)
		if err != nil {
			return out, fmt.Errorf("%w: %w", ErrInvalidFilter, err)
		}
		out.Status = &st
	}
	return out, nil
}

func mapErr(err error) error {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, ledger.ErrInvalidPage):
		return fmt.Errorf("%w: %w", ErrInvalidFilter, err)
	}
	return err
}
