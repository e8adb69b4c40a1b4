package fs

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"supplycore/internal/blob/core"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "blobs"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	info, err := s.Put(ctx, "receipts/2024/7.json", strings.NewReader("payload"), core.PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"lot": "7"},
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Size != 7 || info.ContentType != "application/json" || info.Metadata["lot"] != "7" {
		t.Fatalf("unexpected info %+v", info)
	}

	got, body, err := s.Get(ctx, "receipts/2024/7.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "payload" || got.Metadata["lot"] != "7" {
		t.Fatalf("unexpected blob %q %+v", data, got)
	}
}

func TestPutIsCreateOnly(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	if _, err := s.Put(ctx, "a", strings.NewReader("1"), core.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := s.Put(ctx, "a", strings.NewReader("2"), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	_, body, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer body.Close()
	if data, _ := io.ReadAll(body); string(data) != "1" {
		t.Fatalf("blob was overwritten: %q", data)
	}
}

func TestRejectsUnsafeKeys(t *testing.T) {
	s := newStore(t)
	for _, key := range []string{"", "/abs", "../escape", "a/../b", "a//b", "x.meta", `a\b`} {
		if _, err := s.Put(context.Background(), key, strings.NewReader("v"), core.PutOptions{}); err == nil {
			t.Errorf("expected error for key %q", key)
		}
	}
}

func TestHeadMissingAndCorruptMetadata(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	if _, err := s.Head(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.Put(ctx, "k", strings.NewReader("v"), core.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := os.WriteFile(filepath.Join(s.Root(), "k.meta"), []byte("{"), 0o600); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	if _, err := s.Head(ctx, "k"); err == nil {
		t.Fatalf("expected metadata decode error")
	}
}

func TestListFiltersByPrefixAndSkipsSidecars(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	for _, key := range []string{"audit/b", "audit/a", "receipts/c"} {
		if _, err := s.Put(ctx, key, strings.NewReader(key), core.PutOptions{}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	infos, err := s.List(ctx, "audit/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 2 || infos[0].Key != "audit/a" || infos[1].Key != "audit/b" {
		t.Fatalf("unexpected listing %+v", infos)
	}
	all, err := s.List(ctx, "")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 blobs, got %d", len(all))
	}
}
