// Package history lists transfer and delete requests a company took part in,
// merging pending requests from the company record with resolved ledger
// events.
package history

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"supplycore/pkg/domain"
)

// ErrInvalidQuery is returned for unknown directions or spans.
var ErrInvalidQuery = errors.New("invalid history query")

// Direction selects requests addressed to the company or sent by it.
type Direction string

const (
	Incoming Direction = "incoming"
	Outgoing Direction = "outgoing"
)

// Span selects pending requests, resolved ones, or both.
type Span string

const (
	All     Span = "all"
	Current Span = "current"
	Past    Span = "past"
)

// ParseDirection accepts "incoming" or "outgoing".
func ParseDirection(raw string) (Direction, error) {
	switch d := Direction(raw); d {
	case Incoming, Outgoing:
		return d, nil
	}
	return "", fmt.Errorf("%w: direction %q", ErrInvalidQuery, raw)
}

// ParseSpan accepts "all", "current" or "past". Empty means all.
func ParseSpan(raw string) (Span, error) {
	switch s := Span(raw); s {
	case "":
		return All, nil
	case All, Current, Past:
		return s, nil
	}
	return "", fmt.Errorf("%w: span %q", ErrInvalidQuery, raw)
}

func (s Span) current() bool { return s == All || s == Current }
func (s Span) past() bool    { return s == All || s == Past }

// Entry is one transfer request or contract as seen by a participant.
type Entry struct {
	RequestID    uint64               `json:"request_id"`
	ContractID   uint64               `json:"contract_id,omitempty"`
	From         domain.Address       `json:"from"`
	To           domain.Address       `json:"to"`
	Product      domain.Product       `json:"product"`
	Quantity     uint64               `json:"quantity"`
	State        domain.WorkflowState `json:"state"`
	At           time.Time            `json:"timestamp,omitzero"`
	Block        uint64               `json:"block,omitempty"`
	Counterparty *domain.Account      `json:"counterparty,omitempty"`
}

// DeleteEntry is one delete request or response.
type DeleteEntry struct {
	RequestID    uint64               `json:"request_id"`
	Owner        domain.Address       `json:"owner"`
	Responder    domain.Address       `json:"responder,omitempty"`
	Product      domain.Product       `json:"product"`
	Approvals    []domain.Address     `json:"approvals,omitempty"`
	State        domain.WorkflowState `json:"state"`
	At           time.Time            `json:"timestamp,omitzero"`
	Block        uint64               `json:"block,omitempty"`
	Counterparty *domain.Account      `json:"counterparty,omitempty"`
}

// Reader answers history queries against the ledger.
type Reader struct {
	ledger    domain.LedgerReader
	directory domain.AccountDirectory
	logger    domain.Logger
}

// Option configures a Reader.
type Option func(*Reader)

// WithLogger attaches a logger.
func WithLogger(logger domain.Logger) Option {
	return func(r *Reader) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New builds a Reader. directory may be nil.
func New(ledger domain.LedgerReader, directory domain.AccountDirectory, opts ...Option) (*Reader, error) {
	if ledger == nil {
		return nil, errors.New("history: ledger is required")
	}
	r := &Reader{ledger: ledger, directory: directory, logger: domain.NopLogger{}}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// enricher resolves products and accounts once per query.
type enricher struct {
	r        *Reader
	products map[domain.ProductID]domain.Product
	accounts map[domain.Address]*domain.Account
}

func (r *Reader) enricher() *enricher {
	return &enricher{r: r, products: map[domain.ProductID]domain.Product{}, accounts: map[domain.Address]*domain.Account{}}
}

func (e *enricher) product(ctx context.Context, id domain.ProductID) domain.Product {
	if p, ok := e.products[id]; ok {
		return p
	}
	p, err := e.r.ledger.Product(ctx, id)
	if err != nil {
		e.r.logger.Debug("product lookup failed", "product", id, "error", err)
		p = domain.Product{ID: id}
	}
	e.products[id] = p
	return p
}

func (e *enricher) account(ctx context.Context, addr domain.Address) *domain.Account {
	if acc, ok := e.accounts[addr]; ok {
		return acc
	}
	var out *domain.Account
	if e.r.directory != nil {
		acc, ok, err := e.r.directory.Lookup(ctx, addr)
		switch {
		case err != nil:
			e.r.logger.Debug("account lookup failed", "address", addr, "error", err)
		case ok:
			out = &acc
		}
	}
	e.accounts[addr] = out
	return out
}

func counterparty(dir Direction, from, to domain.Address) domain.Address {
	if dir == Incoming {
		return from
	}
	return to
}

func (r *Reader) filter(company domain.Address, dir Direction) domain.EventFilter {
	if dir == Incoming {
		return domain.EventFilter{To: company}
	}
	return domain.EventFilter{From: company}
}

func validate(dir Direction, span Span) error {
	if _, err := ParseDirection(string(dir)); err != nil {
		return err
	}
	_, err := ParseSpan(string(span))
	return err
}

// Timeline lists company's requests in one direction: pending requests in
// ledger order, then resolved ones newest first.
func (r *Reader) Timeline(ctx context.Context, company domain.Address, dir Direction, span Span) ([]Entry, error) {
	if err := validate(dir, span); err != nil {
		return nil, err
	}
	company = domain.NormalizeAddress(string(company))
	e := r.enricher()
	out := []Entry{}
	if span.current() {
		c, err := r.ledger.Company(ctx, company)
		if err != nil {
			return nil, fmt.Errorf("history of %s: %w", company, err)
		}
		pending := c.IncomingRequests
		if dir == Outgoing {
			pending = c.OutgoingRequests
		}
		for _, req := range pending {
			out = append(out, Entry{
				RequestID:    req.ID,
				From:         req.From,
				To:           req.To,
				Product:      e.product(ctx, req.Product),
				Quantity:     req.Quantity,
				State:        domain.StatePending,
				Counterparty: e.account(ctx, counterparty(dir, req.From, req.To)),
			})
		}
	}
	if span.past() {
		events, err := r.ledger.RequestEvents(ctx, r.filter(company, dir))
		if err != nil {
			return nil, fmt.Errorf("request events of %s: %w", company, err)
		}
		sortNewestFirst(events, func(ev domain.RequestEvent) uint64 { return ev.Block })
		for _, ev := range events {
			out = append(out, r.eventEntry(ctx, e, company, dir, ev))
		}
	}
	return out, nil
}

func (r *Reader) eventEntry(ctx context.Context, e *enricher, company domain.Address, dir Direction, ev domain.RequestEvent) Entry {
	return Entry{
		RequestID:    ev.RequestID,
		ContractID:   ev.ContractID,
		From:         ev.From,
		To:           ev.To,
		Product:      e.product(ctx, ev.Product),
		Quantity:     ev.Quantity,
		State:        ev.State,
		At:           ev.At,
		Block:        ev.Block,
		Counterparty: e.account(ctx, counterparty(dir, ev.From, ev.To)),
	}
}

func sortNewestFirst[T any](events []T, block func(T) uint64) {
	slices.SortStableFunc(events, func(a, b T) int {
		switch ba, bb := block(a), block(b); {
		case ba > bb:
			return -1
		case ba < bb:
			return 1
		}
		return 0
	})
}

// Lookup finds one request, preferring the pending copy over resolved events.
func (r *Reader) Lookup(ctx context.Context, company domain.Address, dir Direction, requestID uint64) (Entry, error) {
	if err := validate(dir, All); err != nil {
		return Entry{}, err
	}
	company = domain.NormalizeAddress(string(company))
	e := r.enricher()
	c, err := r.ledger.Company(ctx, company)
	if err != nil {
		return Entry{}, fmt.Errorf("history of %s: %w", company, err)
	}
	pending := c.IncomingRequests
	if dir == Outgoing {
		pending = c.OutgoingRequests
	}
	if i := slices.IndexFunc(pending, func(req domain.TransferRequest) bool { return req.ID == requestID }); i >= 0 {
		req := pending[i]
		return Entry{
			RequestID:    req.ID,
			From:         req.From,
			To:           req.To,
			Product:      e.product(ctx, req.Product),
			Quantity:     req.Quantity,
			State:        domain.StatePending,
			Counterparty: e.account(ctx, counterparty(dir, req.From, req.To)),
		}, nil
	}
	filter := r.filter(company, dir)
	filter.RequestID = requestID
	events, err := r.ledger.RequestEvents(ctx, filter)
	if err != nil {
		return Entry{}, fmt.Errorf("request events of %s: %w", company, err)
	}
	if len(events) == 0 {
		return Entry{}, domain.NewNotFound(domain.EntityRequest, requestID)
	}
	sortNewestFirst(events, func(ev domain.RequestEvent) uint64 { return ev.Block })
	return r.eventEntry(ctx, e, company, dir, events[0]), nil
}

// DeleteTimeline lists delete requests. Incoming entries are requests company
// must answer; outgoing entries are requests it filed and the responses to
// them.
func (r *Reader) DeleteTimeline(ctx context.Context, company domain.Address, dir Direction, span Span) ([]DeleteEntry, error) {
	if err := validate(dir, span); err != nil {
		return nil, err
	}
	company = domain.NormalizeAddress(string(company))
	e := r.enricher()
	out := []DeleteEntry{}
	if span.current() {
		c, err := r.ledger.Company(ctx, company)
		if err != nil {
			return nil, fmt.Errorf("history of %s: %w", company, err)
		}
		pending := c.IncomingDeleteRequests
		if dir == Outgoing {
			pending = c.OutgoingDeleteRequests
		}
		for _, req := range pending {
			state := domain.StatePending
			if req.Rejected {
				state = domain.StateDeclined
			}
			entry := DeleteEntry{
				RequestID: req.ID,
				Owner:     req.Owner,
				Product:   e.product(ctx, req.Product),
				Approvals: slices.Clone(req.Approvals),
				State:     state,
			}
			if dir == Incoming {
				entry.Counterparty = e.account(ctx, req.Owner)
			}
			out = append(out, entry)
		}
	}
	if span.past() {
		events, err := r.ledger.DeleteRequestEvents(ctx, r.filter(company, dir))
		if err != nil {
			return nil, fmt.Errorf("delete request events of %s: %w", company, err)
		}
		sortNewestFirst(events, func(ev domain.DeleteRequestEvent) uint64 { return ev.Block })
		for _, ev := range events {
			out = append(out, DeleteEntry{
				RequestID:    ev.RequestID,
				Owner:        ev.Owner,
				Responder:    ev.Responder,
				Product:      e.product(ctx, ev.Product),
				State:        ev.State,
				At:           ev.At,
				Block:        ev.Block,
				Counterparty: e.account(ctx, counterparty(dir, ev.Owner, ev.Responder)),
			})
		}
	}
	return out, nil
}
