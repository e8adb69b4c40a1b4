// Package directory resolves ledger addresses to user accounts from a static
// table, typically loaded from a YAML file.
package directory

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"supplycore/pkg/domain"
)

// Static is an in-memory domain.AccountDirectory.
type Static struct {
	mu       sync.RWMutex
	accounts map[domain.Address]domain.Account
}

var _ domain.AccountDirectory = (*Static)(nil)

// NewStatic builds a directory from accounts. Later duplicates replace earlier ones.
func NewStatic(accounts ...domain.Account) *Static {
	s := &Static{accounts: make(map[domain.Address]domain.Account, len(accounts))}
	for _, acc := range accounts {
		s.Put(acc)
	}
	return s
}

// Put adds or replaces the account for its normalized address.
func (s *Static) Put(acc domain.Account) {
	acc.Address = domain.NormalizeAddress(string(acc.Address))
	s.mu.Lock()
	s.accounts[acc.Address] = acc
	s.mu.Unlock()
}

// Lookup implements domain.AccountDirectory.
func (s *Static) Lookup(ctx context.Context, addr domain.Address) (domain.Account, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Account{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[domain.NormalizeAddress(string(addr))]
	return acc, ok, nil
}

// Owners lists the network-owner addresses in sorted order.
func (s *Static) Owners() []domain.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Address
	for addr, acc := range s.accounts {
		if acc.IsOwner {
			out = append(out, addr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len reports the number of accounts.
func (s *Static) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.accounts)
}

type file struct {
	Accounts []domain.Account `yaml:"accounts"`
}

// Load decodes a YAML document of the form `accounts: [...]`. Addresses must
// be well formed and unique.
func Load(r io.Reader) (*Static, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var f file
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode directory: %w", err)
	}
	s := NewStatic()
	for i, acc := range f.Accounts {
		addr, err := domain.ParseAddress(string(acc.Address))
		if err != nil {
			return nil, fmt.Errorf("account %d: %w", i, err)
		}
		if _, dup := s.accounts[addr]; dup {
			return nil, fmt.Errorf("account %d: duplicate address %s", i, addr)
		}
		acc.Address = addr
		s.accounts[addr] = acc
	}
	return s, nil
}

// LoadFile reads a directory file from disk.
func LoadFile(path string) (*Static, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open directory: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Load(f)
}
