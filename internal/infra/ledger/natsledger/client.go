// Package natsledger reaches the authoritative ledger through a NATS
// request/reply gateway. Client implements domain.Ledger; Server exposes any
// domain.Ledger on the same subjects.
package natsledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"supplycore/internal/infra/ledger/wire"
	"supplycore/pkg/domain"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "supplycore.ledger"

// DefaultTimeout bounds a single gateway round trip.
const DefaultTimeout = 5 * time.Second

// ErrRejected is matched by errors returned when the gateway refuses a write.
var ErrRejected = errors.New("ledger rejected transaction")

// RemoteError is a failure reported by the gateway.
type RemoteError struct {
	Subject string
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("ledger %s: %s: %s", e.Subject, e.Code, e.Message)
}

// Unwrap maps gateway codes onto domain sentinels.
func (e *RemoteError) Unwrap() error {
	switch e.Code {
	case wire.CodeNotFound:
		return domain.ErrNotFound
	case wire.CodeRejected:
		return ErrRejected
	}
	return nil
}

// Option configures a Client or Server.
type Option func(*options)

type options struct {
	prefix  string
	timeout time.Duration
	queue   string
	logger  domain.Logger
}

func defaultOptions() options {
	return options{prefix: DefaultPrefix, timeout: DefaultTimeout, queue: "supplycore-ledger", logger: domain.NopLogger{}}
}

// WithPrefix overrides the subject prefix.
func WithPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.prefix = prefix
		}
	}
}

// WithTimeout bounds round trips that carry no deadline of their own.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithQueue sets the queue group servers subscribe with.
func WithQueue(queue string) Option {
	return func(o *options) { o.queue = queue }
}

// WithLogger attaches a logger.
func WithLogger(logger domain.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Client is a domain.Ledger backed by a NATS gateway.
type Client struct {
	conn *nats.Conn
	opts options
}

var _ domain.Ledger = (*Client)(nil)

// NewClient wraps an established connection.
func NewClient(conn *nats.Conn, opts ...Option) *Client {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Client{conn: conn, opts: o}
}

func (c *Client) call(ctx context.Context, subject string, actor domain.Address, payload, out any) error {
	env := wire.Envelope{Actor: actor.String()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s: %w", subject, err)
		}
		env.Payload = raw
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", subject, err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.timeout)
		defer cancel()
	}
	full := c.opts.prefix + "." + subject
	msg, err := c.conn.RequestWithContext(ctx, full, data)
	if err != nil {
		c.opts.logger.Warn("ledger request failed", "subject", full, "error", err)
		return fmt.Errorf("ledger %s: %w", subject, err)
	}
	var reply wire.Reply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return fmt.Errorf("decode %s reply: %w", subject, err)
	}
	if reply.Error != nil {
		return &RemoteError{Subject: subject, Code: reply.Error.Code, Message: reply.Error.Message}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(reply.Payload, out); err != nil {
		return fmt.Errorf("decode %s reply: %w", subject, err)
	}
	return nil
}

// Company implements domain.LedgerReader.
func (c *Client) Company(ctx context.Context, addr domain.Address) (domain.Company, error) {
	var out wire.Company
	if err := c.call(ctx, wire.SubjectCompany, "", wire.AddressQuery{Address: addr.String()}, &out); err != nil {
		return domain.Company{}, err
	}
	return wire.DecodeCompany(out)
}

// HeadCompanies implements domain.LedgerReader.
func (c *Client) HeadCompanies(ctx context.Context) ([]domain.Address, error) {
	var out wire.AddressList
	if err := c.call(ctx, wire.SubjectHeadCompanies, "", nil, &out); err != nil {
		return nil, err
	}
	return wire.DecodeAddresses(out), nil
}

// Product implements domain.LedgerReader.
func (c *Client) Product(ctx context.Context, id domain.ProductID) (domain.Product, error) {
	var out wire.Product
	if err := c.call(ctx, wire.SubjectProduct, "", wire.ProductQuery{ProductID: wire.Uint(id)}, &out); err != nil {
		return domain.Product{}, err
	}
	return wire.DecodeProduct(out)
}

// Recipe implements domain.LedgerReader.
func (c *Client) Recipe(ctx context.Context, id domain.ProductID) (domain.Recipe, error) {
	var out wire.Recipe
	if err := c.call(ctx, wire.SubjectRecipe, "", wire.ProductQuery{ProductID: wire.Uint(id)}, &out); err != nil {
		return domain.Recipe{}, err
	}
	return wire.DecodeRecipe(out)
}

func (c *Client) supply(ctx context.Context, subject string, product domain.ProductID, holder domain.Address) (domain.SupplyTotals, error) {
	var out wire.Supply
	q := wire.SupplyQuery{ProductID: wire.Uint(product), Holder: holder.String()}
	if err := c.call(ctx, subject, "", q, &out); err != nil {
		return domain.SupplyTotals{}, err
	}
	return wire.DecodeSupply(out)
}

// Supply implements domain.LedgerReader.
func (c *Client) Supply(ctx context.Context, product domain.ProductID, holder domain.Address) (domain.SupplyTotals, error) {
	return c.supply(ctx, wire.SubjectSupply, product, holder)
}

// PrerequisiteSupply implements domain.LedgerReader.
func (c *Client) PrerequisiteSupply(ctx context.Context, product domain.ProductID, holder domain.Address) (domain.SupplyTotals, error) {
	return c.supply(ctx, wire.SubjectPrerequisiteSupply, product, holder)
}

// PastSupply implements domain.LedgerReader.
func (c *Client) PastSupply(ctx context.Context, lot domain.LotID) ([]domain.LotID, error) {
	var out wire.LotList
	if err := c.call(ctx, wire.SubjectPastSupply, "", wire.LotQuery{SupplyID: wire.Uint(lot)}, &out); err != nil {
		return nil, err
	}
	return wire.DecodeLots(out)
}

// RequestEvents implements domain.LedgerReader.
func (c *Client) RequestEvents(ctx context.Context, filter domain.EventFilter) ([]domain.RequestEvent, error) {
	var out []wire.RequestEvent
	if err := c.call(ctx, wire.SubjectRequestEvents, "", wire.EncodeEventFilter(filter), &out); err != nil {
		return nil, err
	}
	events := make([]domain.RequestEvent, 0, len(out))
	for _, e := range out {
		ev, err := wire.DecodeRequestEvent(e)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// DeleteRequestEvents implements domain.LedgerReader.
func (c *Client) DeleteRequestEvents(ctx context.Context, filter domain.EventFilter) ([]domain.DeleteRequestEvent, error) {
	var out []wire.DeleteRequestEvent
	if err := c.call(ctx, wire.SubjectDeleteEvents, "", wire.EncodeEventFilter(filter), &out); err != nil {
		return nil, err
	}
	events := make([]domain.DeleteRequestEvent, 0, len(out))
	for _, e := range out {
		ev, err := wire.DecodeDeleteRequestEvent(e)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// CreateCompany implements domain.LedgerWriter.
func (c *Client) CreateCompany(ctx context.Context, actor, owner domain.Address, name string) error {
	return c.call(ctx, wire.SubjectCreateCompany, actor, wire.CreateCompanyTx{Owner: owner.String(), Name: name}, nil)
}

// CreateProduct implements domain.LedgerWriter.
func (c *Client) CreateProduct(ctx context.Context, actor domain.Address, spec domain.ProductSpec) error {
	return c.call(ctx, wire.SubjectCreateProduct, actor, wire.EncodeProductSpec(spec), nil)
}

// SendRequest implements domain.LedgerWriter.
func (c *Client) SendRequest(ctx context.Context, actor domain.Address, req domain.TransferRequest) error {
	return c.call(ctx, wire.SubjectSendRequest, actor, wire.EncodeRequest(req), nil)
}

// ApproveRequest implements domain.LedgerWriter.
func (c *Client) ApproveRequest(ctx context.Context, actor domain.Address, transfer domain.Transfer) error {
	return c.call(ctx, wire.SubjectApproveRequest, actor, wire.EncodeTransfer(transfer), nil)
}

// DeclineRequest implements domain.LedgerWriter.
func (c *Client) DeclineRequest(ctx context.Context, actor domain.Address, req domain.TransferRequest) error {
	return c.call(ctx, wire.SubjectDeclineRequest, actor, wire.EncodeRequest(req), nil)
}

// SendContract implements domain.LedgerWriter.
func (c *Client) SendContract(ctx context.Context, actor domain.Address, contract domain.Contract) error {
	return c.call(ctx, wire.SubjectSendContract, actor, wire.EncodeContract(contract), nil)
}

// ApproveContract implements domain.LedgerWriter.
func (c *Client) ApproveContract(ctx context.Context, actor domain.Address, contract domain.Contract) error {
	return c.call(ctx, wire.SubjectApproveContract, actor, wire.EncodeContract(contract), nil)
}

// DeclineContract implements domain.LedgerWriter.
func (c *Client) DeclineContract(ctx context.Context, actor domain.Address, contract domain.Contract) error {
	return c.call(ctx, wire.SubjectDeclineContract, actor, wire.EncodeContract(contract), nil)
}

// SendDeleteRequest implements domain.LedgerWriter.
func (c *Client) SendDeleteRequest(ctx context.Context, actor domain.Address, product domain.ProductID) error {
	return c.call(ctx, wire.SubjectSendDeleteRequest, actor, wire.DeleteRequestTx{ProductID: wire.Uint(product)}, nil)
}

// RespondDeleteRequest implements domain.LedgerWriter.
func (c *Client) RespondDeleteRequest(ctx context.Context, actor domain.Address, requestID uint64, product domain.ProductID, owner domain.Address, approve bool) error {
	tx := wire.RespondDeleteRequestTx{
		RequestID: wire.Uint(requestID),
		ProductID: wire.Uint(product),
		From:      owner.String(),
		Approve:   approve,
	}
	return c.call(ctx, wire.SubjectRespondDeleteRequest, actor, tx, nil)
}

// ConvertToSupply implements domain.LedgerWriter.
func (c *Client) ConvertToSupply(ctx context.Context, actor domain.Address, conv domain.Conversion) error {
	return c.call(ctx, wire.SubjectConvertToSupply, actor, wire.EncodeConversion(conv), nil)
}

// ConvertPrerequisiteToSupply implements domain.LedgerWriter.
func (c *Client) ConvertPrerequisiteToSupply(ctx context.Context, actor domain.Address, conv domain.Conversion) error {
	return c.call(ctx, wire.SubjectConvertPrerequisite, actor, wire.EncodeConversion(conv), nil)
}
