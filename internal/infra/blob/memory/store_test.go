package memory

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"supplycore/internal/blob/core"
)

func TestPutIsCreateOnly(t *testing.T) {
	ctx := context.Background()
	s := New()
	md := map[string]string{"kind": "receipt"}
	info, err := s.Put(ctx, "receipts/a.json", strings.NewReader(`{"a":1}`), core.PutOptions{ContentType: "application/json", Metadata: md})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	md["kind"] = "mutated"
	if info.Size != 7 || info.Metadata["kind"] != "receipt" {
		t.Fatalf("unexpected info %+v", info)
	}
	if _, err := s.Put(ctx, "receipts/a.json", strings.NewReader("x"), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}

	got, body, err := s.Get(ctx, "receipts/a.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer body.Close()
	data, _ := io.ReadAll(body)
	if string(data) != `{"a":1}` || got.Metadata["kind"] != "receipt" {
		t.Fatalf("unexpected blob %q %+v", data, got)
	}
}

func TestMissingAndListing(t *testing.T) {
	ctx := context.Background()
	s := New()
	if _, err := s.Head(ctx, "nope"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	for _, key := range []string{"audit/2", "receipts/b", "audit/1"} {
		if _, err := s.Put(ctx, key, strings.NewReader(key), core.PutOptions{}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	infos, err := s.List(ctx, "audit/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 2 || infos[0].Key != "audit/1" || infos[1].Key != "audit/2" {
		t.Fatalf("unexpected listing %+v", infos)
	}
	if s.Driver() != core.DriverMemory {
		t.Fatalf("unexpected driver %s", s.Driver())
	}
}

func TestCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New().Put(ctx, "k", strings.NewReader("v"), core.PutOptions{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
