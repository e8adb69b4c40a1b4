package wire

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supplycore/pkg/domain"
)

func TestDecodeCompanyNormalizesAddresses(t *testing.T) {
	got, err := DecodeCompany(Company{
		Owner:        " 0xABC ",
		Name:         "Mill",
		ListOfSupply: []string{"7"},
		Upstream:     []Relationship{{CompanyID: "0xDEF", ProductID: "3"}},
		IncomingRequests: []Request{{
			ID: "1", From: "0xDEF", To: "0xABC", ProductID: "7", Quantity: "12",
		}},
	})
	require.NoError(t, err)
	want := domain.Company{
		Owner:            "0xabc",
		Name:             "Mill",
		Supply:           []domain.ProductID{7},
		Upstream:         []domain.CompanyProduct{{Company: "0xdef", Product: 3}},
		IncomingRequests: []domain.TransferRequest{{ID: 1, From: "0xdef", To: "0xabc", Product: 7, Quantity: 12}},
	}
	if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("company mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeRejectsMalformedNumbers(t *testing.T) {
	_, err := DecodeProduct(Product{ProductID: "x1"})
	assert.ErrorContains(t, err, "decode productId")

	_, err = DecodeSupply(Supply{Total: "3", SupplyIDs: []string{"1"}, Quantities: nil})
	assert.ErrorContains(t, err, "1 ids but 0 quantities")

	_, err = DecodeRecipe(Recipe{Supply: "2", Prerequisites: []string{"1", "3"}, Quantities: []string{"4"}})
	assert.Error(t, err)
}

func TestRequestEventState(t *testing.T) {
	at := time.Unix(1_700_000_000, 0).UTC()
	declined := domain.RequestEvent{RequestID: 4, From: "0xa", To: "0xb", Product: 2, Quantity: 5, State: domain.StateDeclined, At: at, Block: 9}

	encoded := EncodeRequestEvent(declined)
	assert.Equal(t, stateRejected, encoded.State)
	assert.Equal(t, "1700000000", encoded.Timestamp)

	decoded, err := DecodeRequestEvent(encoded)
	require.NoError(t, err)
	assert.Equal(t, declined, decoded)

	approved, err := DecodeRequestEvent(RequestEvent{RequestID: "5", State: 0, Timestamp: "0"})
	require.NoError(t, err)
	assert.Equal(t, domain.StateApproved, approved.State)
}

func TestTransferDrawsCarryRequestProduct(t *testing.T) {
	tx := ApproveRequestTx{
		Request:    Request{ID: "3", From: "0xa", To: "0xb", ProductID: "8", Quantity: "5"},
		SupplyIDs:  []string{"11", "12"},
		Quantities: []string{"2", "3"},
		Receipt:    "99",
	}
	got, err := DecodeTransfer(tx)
	require.NoError(t, err)
	assert.Equal(t, []domain.LotDraw{{Lot: 11, Product: 8, Quantity: 2}, {Lot: 12, Product: 8, Quantity: 3}}, got.Draws)
	assert.Equal(t, domain.LotID(99), got.Receipt)
	assert.Equal(t, tx, EncodeTransfer(got))
}

func TestConversionPrerequisiteArrays(t *testing.T) {
	conv := domain.Conversion{Product: 2, Quantity: 3, Lot: 40, Draws: []domain.LotDraw{{Lot: 10, Product: 1, Quantity: 6}}}
	got, err := DecodeConversion(EncodeConversion(conv))
	require.NoError(t, err)
	assert.Equal(t, conv, got)

	_, err = DecodeConversion(ConversionTx{ProductID: "2", PrerequisiteSupplyIDs: []string{"1"}})
	assert.Error(t, err)
}
