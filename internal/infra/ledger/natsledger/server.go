package natsledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"

	"supplycore/internal/infra/ledger/wire"
	"supplycore/pkg/domain"
)

type handler func(ctx context.Context, actor domain.Address, payload json.RawMessage) (any, error)

// Server answers gateway subjects from a domain.Ledger.
type Server struct {
	conn   *nats.Conn
	ledger domain.Ledger
	opts   options

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewServer prepares a gateway; call Start to subscribe.
func NewServer(conn *nats.Conn, ledger domain.Ledger, opts ...Option) *Server {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Server{conn: conn, ledger: ledger, opts: o}
}

// Start subscribes every gateway subject in the configured queue group.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.subs) > 0 {
		return errors.New("natsledger: server already started")
	}
	for subject, h := range s.handlers() {
		full := s.opts.prefix + "." + subject
		sub, err := s.conn.QueueSubscribe(full, s.opts.queue, s.serve(subject, h))
		if err != nil {
			s.unsubscribeLocked()
			return fmt.Errorf("subscribe %s: %w", full, err)
		}
		s.subs = append(s.subs, sub)
	}
	s.opts.logger.Info("ledger gateway started", "prefix", s.opts.prefix, "subjects", len(s.subs))
	return s.conn.Flush()
}

// Stop drops every subscription.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribeLocked()
}

func (s *Server) unsubscribeLocked() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
}

func (s *Server) serve(subject string, h handler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.timeout)
		defer cancel()

		var env wire.Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			s.respond(msg, subject, nil, fmt.Errorf("decode envelope: %w", err), wire.CodeInternal)
			return
		}
		out, err := h(ctx, domain.NormalizeAddress(env.Actor), env.Payload)
		s.respond(msg, subject, out, err, "")
	}
}

func (s *Server) respond(msg *nats.Msg, subject string, out any, err error, code string) {
	var reply wire.Reply
	if err != nil {
		if code == "" {
			code = classify(err)
		}
		reply.Error = &wire.ErrorBody{Code: code, Message: err.Error()}
		s.opts.logger.Debug("ledger call failed", "subject", subject, "code", code, "error", err)
	} else if out != nil {
		raw, mErr := json.Marshal(out)
		if mErr != nil {
			reply.Error = &wire.ErrorBody{Code: wire.CodeInternal, Message: mErr.Error()}
		} else {
			reply.Payload = raw
		}
	}
	data, _ := json.Marshal(reply)
	if rErr := msg.Respond(data); rErr != nil {
		s.opts.logger.Error("ledger reply failed", "subject", subject, "error", rErr)
	}
}

func classify(err error) string {
	var decodeErr *decodeError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return wire.CodeNotFound
	case errors.As(err, &decodeErr), errors.Is(err, context.DeadlineExceeded):
		return wire.CodeInternal
	}
	return wire.CodeRejected
}

type decodeError struct{ err error }

func (e *decodeError) Error() string { return "decode payload: " + e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, &decodeError{err: err}
	}
	return v, nil
}

// query adapts a read that takes a decoded payload.
func query[Q any](fn func(context.Context, Q) (any, error)) handler {
	return func(ctx context.Context, _ domain.Address, raw json.RawMessage) (any, error) {
		q, err := decode[Q](raw)
		if err != nil {
			return nil, err
		}
		return fn(ctx, q)
	}
}

// tx adapts a write whose payload normalizes into a domain value.
func tx[W, D any](normalize func(W) (D, error), fn func(context.Context, domain.Address, D) error) handler {
	return func(ctx context.Context, actor domain.Address, raw json.RawMessage) (any, error) {
		w, err := decode[W](raw)
		if err != nil {
			return nil, err
		}
		d, err := normalize(w)
		if err != nil {
			return nil, &decodeError{err: err}
		}
		return nil, fn(ctx, actor, d)
	}
}

func identity[T any](v T) (T, error) { return v, nil }

func (s *Server) handlers() map[string]handler {
	l := s.ledger
	return map[string]handler{
		wire.SubjectCompany: query(func(ctx context.Context, q wire.AddressQuery) (any, error) {
			c, err := l.Company(ctx, domain.NormalizeAddress(q.Address))
			if err != nil {
				return nil, err
			}
			return wire.EncodeCompany(c), nil
		}),
		wire.SubjectHeadCompanies: query(func(ctx context.Context, _ struct{}) (any, error) {
			heads, err := l.HeadCompanies(ctx)
			if err != nil {
				return nil, err
			}
			return wire.EncodeAddresses(heads), nil
		}),
		wire.SubjectProduct: query(func(ctx context.Context, q wire.ProductQuery) (any, error) {
			id, err := wire.ParseUint[domain.ProductID]("productId", q.ProductID)
			if err != nil {
				return nil, &decodeError{err: err}
			}
			p, err := l.Product(ctx, id)
			if err != nil {
				return nil, err
			}
			return wire.EncodeProduct(p), nil
		}),
		wire.SubjectRecipe: query(func(ctx context.Context, q wire.ProductQuery) (any, error) {
			id, err := wire.ParseUint[domain.ProductID]("productId", q.ProductID)
			if err != nil {
				return nil, &decodeError{err: err}
			}
			r, err := l.Recipe(ctx, id)
			if err != nil {
				return nil, err
			}
			return wire.EncodeRecipe(r), nil
		}),
		wire.SubjectSupply:             query(s.supply(l.Supply)),
		wire.SubjectPrerequisiteSupply: query(s.supply(l.PrerequisiteSupply)),
		wire.SubjectPastSupply: query(func(ctx context.Context, q wire.LotQuery) (any, error) {
			id, err := wire.ParseUint[domain.LotID]("supplyId", q.SupplyID)
			if err != nil {
				return nil, &decodeError{err: err}
			}
			past, err := l.PastSupply(ctx, id)
			if err != nil {
				return nil, err
			}
			return wire.EncodeLots(past), nil
		}),
		wire.SubjectRequestEvents: query(func(ctx context.Context, q wire.EventQuery) (any, error) {
			f, err := wire.DecodeEventFilter(q)
			if err != nil {
				return nil, &decodeError{err: err}
			}
			events, err := l.RequestEvents(ctx, f)
			if err != nil {
				return nil, err
			}
			out := make([]wire.RequestEvent, 0, len(events))
			for _, e := range events {
				out = append(out, wire.EncodeRequestEvent(e))
			}
			return out, nil
		}),
		wire.SubjectDeleteEvents: query(func(ctx context.Context, q wire.EventQuery) (any, error) {
			f, err := wire.DecodeEventFilter(q)
			if err != nil {
				return nil, &decodeError{err: err}
			}
			events, err := l.DeleteRequestEvents(ctx, f)
			if err != nil {
				return nil, err
			}
			out := make([]wire.DeleteRequestEvent, 0, len(events))
			for _, e := range events {
				out = append(out, wire.EncodeDeleteRequestEvent(e))
			}
			return out, nil
		}),

		wire.SubjectCreateCompany: tx(identity[wire.CreateCompanyTx], func(ctx context.Context, actor domain.Address, c wire.CreateCompanyTx) error {
			return l.CreateCompany(ctx, actor, domain.NormalizeAddress(c.Owner), c.Name)
		}),
		wire.SubjectCreateProduct:   tx(wire.DecodeProductSpec, l.CreateProduct),
		wire.SubjectSendRequest:     tx(wire.DecodeRequest, l.SendRequest),
		wire.SubjectApproveRequest:  tx(wire.DecodeTransfer, l.ApproveRequest),
		wire.SubjectDeclineRequest:  tx(wire.DecodeRequest, l.DeclineRequest),
		wire.SubjectSendContract:    tx(wire.DecodeContract, l.SendContract),
		wire.SubjectApproveContract: tx(wire.DecodeContract, l.ApproveContract),
		wire.SubjectDeclineContract: tx(wire.DecodeContract, l.DeclineContract),
		wire.SubjectSendDeleteRequest: tx(identity[wire.DeleteRequestTx], func(ctx context.Context, actor domain.Address, d wire.DeleteRequestTx) error {
			id, err := wire.ParseUint[domain.ProductID]("productId", d.ProductID)
			if err != nil {
				return &decodeError{err: err}
			}
			return l.SendDeleteRequest(ctx, actor, id)
		}),
		wire.SubjectRespondDeleteRequest: tx(identity[wire.RespondDeleteRequestTx], func(ctx context.Context, actor domain.Address, r wire.RespondDeleteRequestTx) error {
			reqID, err := wire.ParseUint[uint64]("requestId", r.RequestID)
			if err != nil {
				return &decodeError{err: err}
			}
			product, err := wire.ParseUint[domain.ProductID]("productId", r.ProductID)
			if err != nil {
				return &decodeError{err: err}
			}
			return l.RespondDeleteRequest(ctx, actor, reqID, product, domain.NormalizeAddress(r.From), r.Approve)
		}),
		wire.SubjectConvertToSupply:     tx(wire.DecodeConversion, l.ConvertToSupply),
		wire.SubjectConvertPrerequisite: tx(wire.DecodeConversion, l.ConvertPrerequisiteToSupply),
	}
}

func (s *Server) supply(fn func(context.Context, domain.ProductID, domain.Address) (domain.SupplyTotals, error)) func(context.Context, wire.SupplyQuery) (any, error) {
	return func(ctx context.Context, q wire.SupplyQuery) (any, error) {
		id, err := wire.ParseUint[domain.ProductID]("productId", q.ProductID)
		if err != nil {
			return nil, &decodeError{err: err}
		}
		totals, err := fn(ctx, id, domain.NormalizeAddress(q.Holder))
		if err != nil {
			return nil, err
		}
		return wire.EncodeSupply(totals), nil
	}
}
