package blob

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"supplycore/internal/config"
)

func TestOpenSelectsDriver(t *testing.T) {
	ctx := context.Background()

	store, err := Open(ctx, config.Blob{})
	if err != nil || store != nil {
		t.Fatalf("empty driver: store=%v err=%v", store, err)
	}

	store, err = Open(ctx, config.Blob{Driver: config.BlobMemory})
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	if store.Driver() != DriverMemory {
		t.Fatalf("expected memory driver, got %s", store.Driver())
	}

	root := filepath.Join(t.TempDir(), "archive")
	store, err = Open(ctx, config.Blob{Driver: config.BlobFilesystem, FSRoot: root})
	if err != nil {
		t.Fatalf("fs: %v", err)
	}
	if _, err := store.Put(ctx, "receipts/1.json", strings.NewReader("{}"), PutOptions{}); err != nil {
		t.Fatalf("fs put: %v", err)
	}

	if _, err := Open(ctx, config.Blob{Driver: "tape"}); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
	if _, err := Open(ctx, config.Blob{Driver: config.BlobS3}); err == nil {
		t.Fatalf("expected error for s3 without bucket")
	}
}
