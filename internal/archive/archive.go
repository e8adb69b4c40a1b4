// Package archive writes receipts and audit entries to a blob store as JSON
// objects. Receipts are written synchronously; audit entries go through a
// background queue.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"supplycore/internal/blob"
	"supplycore/internal/core"
	"supplycore/pkg/domain"
)

const (
	receiptPrefix = "receipts/"
	auditPrefix   = "audit/"
	contentJSON   = "application/json"
	defaultQueue  = 32
)

var (
	_ core.ReceiptSink   = (*Archiver)(nil)
	_ core.AuditRecorder = (*Archiver)(nil)
)

// Archiver stores receipts and audit entries.
type Archiver struct {
	store  blob.Store
	logger domain.Logger
	ids    func() string

	queue   chan core.AuditEntry
	stop    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	dropped atomic.Int64
}

// Option configures an Archiver.
type Option func(*Archiver)

func WithLogger(logger domain.Logger) Option {
	return func(a *Archiver) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithQueueSize bounds the number of audit entries waiting to be written.
func WithQueueSize(n int) Option {
	return func(a *Archiver) {
		if n > 0 {
			a.queue = make(chan core.AuditEntry, n)
		}
	}
}

// WithIDs overrides the suffix generator for audit keys.
func WithIDs(next func() string) Option {
	return func(a *Archiver) {
		if next != nil {
			a.ids = next
		}
	}
}

// New builds an Archiver over store. Call Start before recording audit entries.
func New(store blob.Store, opts ...Option) (*Archiver, error) {
	if store == nil {
		return nil, errors.New("archive: blob store is required")
	}
	a := &Archiver{
		store:  store,
		logger: domain.NopLogger{},
		ids:    uuid.NewString,
		queue:  make(chan core.AuditEntry, defaultQueue),
		stop:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Start launches the audit writer.
func (a *Archiver) Start() {
	a.wg.Add(1)
	go a.loop()
}

// Stop flushes queued audit entries and waits for the writer to exit.
func (a *Archiver) Stop(ctx context.Context) error {
	a.once.Do(func() { close(a.stop) })
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Archiver) loop() {
	defer a.wg.Done()
	for {
		select {
		case entry := <-a.queue:
			a.writeAudit(entry)
		case <-a.stop:
			for {
				select {
				case entry := <-a.queue:
					a.writeAudit(entry)
				default:
					return
				}
			}
		}
	}
}

// Dropped reports how many audit entries were discarded on a full queue.
func (a *Archiver) Dropped() int64 { return a.dropped.Load() }

// Record queues entry for writing. A full queue drops the entry.
func (a *Archiver) Record(_ context.Context, entry core.AuditEntry) {
	select {
	case a.queue <- entry:
	default:
		a.dropped.Add(1)
		a.logger.Warn("audit queue full, dropping entry", "operation", entry.Operation, "entity_id", entry.EntityID)
	}
}

// AuditKey is the object key of an audit entry.
func AuditKey(entry core.AuditEntry, id string) string {
	ts := entry.Timestamp.UTC()
	return fmt.Sprintf("%s%s/%s-%s.json", auditPrefix, ts.Format("2006/01/02"), ts.Format("20060102T150405.000000000Z"), id)
}

func (a *Archiver) writeAudit(entry core.AuditEntry) {
	key := AuditKey(entry, a.ids())
	if err := a.putJSON(context.Background(), key, entry, map[string]string{"operation": entry.Operation}); err != nil {
		a.logger.Error("archive audit entry failed", "key", key, "error", err)
	}
}

// ReceiptKey is the object key of the receipt for a minted lot.
func ReceiptKey(kind core.ReceiptKind, lot domain.LotID) string {
	return receiptPrefix + string(kind) + "/" + strconv.FormatUint(uint64(lot), 10) + ".json"
}

// StoreReceipt writes the receipt under its lot's key. A receipt already
// stored for the lot is left as is.
func (a *Archiver) StoreReceipt(ctx context.Context, r core.Receipt) error {
	if r.Lot.ID == 0 {
		return errors.New("archive: receipt has no lot")
	}
	key := ReceiptKey(r.Kind, r.Lot.ID)
	err := a.putJSON(ctx, key, r, map[string]string{"kind": string(r.Kind), "actor": r.Actor.String()})
	if errors.Is(err, blob.ErrExists) {
		a.logger.Debug("receipt already archived", "key", key)
		return nil
	}
	return err
}

func (a *Archiver) putJSON(ctx context.Context, key string, v any, md map[string]string) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if _, err := a.store.Put(ctx, key, &buf, blob.PutOptions{ContentType: contentJSON, Metadata: md}); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Receipt reads back an archived receipt.
func (a *Archiver) Receipt(ctx context.Context, kind core.ReceiptKind, lot domain.LotID) (core.Receipt, error) {
	var r core.Receipt
	if err := a.getJSON(ctx, ReceiptKey(kind, lot), &r); err != nil {
		return core.Receipt{}, err
	}
	return r, nil
}

// Receipts lists archived receipts of kind, or of every kind when kind is empty.
func (a *Archiver) Receipts(ctx context.Context, kind core.ReceiptKind) ([]blob.Info, error) {
	prefix := receiptPrefix
	if kind != "" {
		prefix += string(kind) + "/"
	}
	return a.store.List(ctx, prefix)
}

// AuditEntries decodes every archived audit entry in key order.
func (a *Archiver) AuditEntries(ctx context.Context) ([]core.AuditEntry, error) {
	infos, err := a.store.List(ctx, auditPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]core.AuditEntry, 0, len(infos))
	for _, info := range infos {
		var entry core.AuditEntry
		if err := a.getJSON(ctx, info.Key, &entry); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

func (a *Archiver) getJSON(ctx context.Context, key string, v any) error {
	_, rc, err := a.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("read %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}
