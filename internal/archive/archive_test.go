package archive

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supplycore/internal/blob"
	"supplycore/internal/config"
	"supplycore/internal/core"
	"supplycore/pkg/domain"
)

func memoryStore(t *testing.T) blob.Store {
	t.Helper()
	store, err := blob.Open(context.Background(), config.Blob{Driver: config.BlobMemory})
	require.NoError(t, err)
	return store
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("id%d", n)
	}
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
}

func TestStoreReceiptIsIdempotent(t *testing.T) {
	ctx := context.Background()
	a, err := New(memoryStore(t))
	require.NoError(t, err)

	receipt := core.Receipt{
		Kind:     core.ReceiptConversion,
		Actor:    "0xa",
		Lot:      domain.SupplyLot{ID: 42, Product: 1, Owner: "0xa", Quantity: 5, QuantityLeft: 5},
		IssuedAt: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, a.StoreReceipt(ctx, receipt))

	second := receipt
	second.Actor = "0xb"
	require.NoError(t, a.StoreReceipt(ctx, second))

	got, err := a.Receipt(ctx, core.ReceiptConversion, 42)
	require.NoError(t, err)
	assert.Equal(t, domain.Address("0xa"), got.Actor, "first receipt wins")
	assert.Equal(t, receipt.Lot, got.Lot)

	infos, err := a.Receipts(ctx, "")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "receipts/conversion/42.json", infos[0].Key)
	assert.Equal(t, "application/json", infos[0].ContentType)
	assert.Equal(t, "conversion", infos[0].Metadata["kind"])
}

func TestStoreReceiptRequiresLot(t *testing.T) {
	a, err := New(memoryStore(t))
	require.NoError(t, err)
	require.Error(t, a.StoreReceipt(context.Background(), core.Receipt{Kind: core.ReceiptTransfer}))
}

func TestReceiptMissing(t *testing.T) {
	a, err := New(memoryStore(t))
	require.NoError(t, err)
	_, err = a.Receipt(context.Background(), core.ReceiptTransfer, 7)
	require.ErrorIs(t, err, blob.ErrNotFound)
}

func TestAuditEntriesFlushOnStop(t *testing.T) {
	ctx := context.Background()
	a, err := New(memoryStore(t), WithIDs(sequentialIDs()))
	require.NoError(t, err)

	at := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	a.Record(ctx, core.AuditEntry{Operation: core.OpManufacture, Status: core.AuditStatusSuccess, Timestamp: at})
	a.Record(ctx, core.AuditEntry{Operation: core.OpApproveRequest, Status: core.AuditStatusError, Timestamp: at.Add(time.Second)})
	a.Start()
	require.NoError(t, a.Stop(ctx))

	entries, err := a.AuditEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, core.OpManufacture, entries[0].Operation)
	assert.Equal(t, core.AuditStatusError, entries[1].Status)
	assert.Zero(t, a.Dropped())
}

func TestAuditKeyLayout(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 30, 5, 0, time.FixedZone("CET", 3600))
	key := AuditKey(core.AuditEntry{Timestamp: at}, "abc")
	assert.Equal(t, "audit/2024/03/01/20240301T113005.000000000Z-abc.json", key)
}

func TestRecordDropsWhenQueueFull(t *testing.T) {
	a, err := New(memoryStore(t), WithQueueSize(1))
	require.NoError(t, err)
	a.Record(context.Background(), core.AuditEntry{Operation: "one"})
	a.Record(context.Background(), core.AuditEntry{Operation: "two"})
	assert.Equal(t, int64(1), a.Dropped())
}

func TestStopTwice(t *testing.T) {
	a, err := New(memoryStore(t))
	require.NoError(t, err)
	a.Start()
	require.NoError(t, a.Stop(context.Background()))
	// A second stop is a no-op.
	require.NoError(t, a.Stop(context.Background()))
}
