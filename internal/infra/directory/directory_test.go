package directory

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supplycore/pkg/domain"
)

const accountsYAML = `
accounts:
  - wallet_address: "0xABC1"
    username: miller
    display_name: The Mill
    email: mill@example.com
  - wallet_address: "0x00ff"
    username: admin
    is_owner: true
`

func TestLoadNormalizesAddresses(t *testing.T) {
	dir, err := Load(strings.NewReader(accountsYAML))
	require.NoError(t, err)
	assert.Equal(t, 2, dir.Len())

	acc, ok, err := dir.Lookup(context.Background(), "0xabc1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "The Mill", acc.DisplayName)
	assert.Equal(t, domain.Address("0xabc1"), acc.Address)

	_, ok, err = dir.Lookup(context.Background(), "0x1234")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, []domain.Address{"0x00ff"}, dir.Owners())
}

func TestLoadRejectsBadEntries(t *testing.T) {
	_, err := Load(strings.NewReader("accounts:\n  - wallet_address: \"0xzz\"\n"))
	assert.ErrorContains(t, err, "not hex")

	_, err = Load(strings.NewReader("accounts:\n  - wallet_address: \"0xa\"\n  - wallet_address: \"0xA\"\n"))
	assert.ErrorContains(t, err, "duplicate")

	_, err = Load(strings.NewReader("acounts: []\n"))
	assert.Error(t, err)
}

func TestLoadFileAndEmptyDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(accountsYAML), 0o600))
	dir, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, dir.Len())

	empty, err := Load(strings.NewReader(""))
	require.NoError(t, err)
	assert.Zero(t, empty.Len())

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLookupHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := NewStatic(domain.Account{Address: "0x1"}).Lookup(ctx, "0x1")
	assert.ErrorIs(t, err, context.Canceled)
}
