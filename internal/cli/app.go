package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"supplycore/internal/allocation"
	"supplycore/internal/archive"
	"supplycore/internal/blob"
	"supplycore/internal/config"
	"supplycore/internal/core"
	"supplycore/internal/graph"
	"supplycore/internal/infra/directory"
	"supplycore/internal/infra/ledger/cached"
	ledgermem "supplycore/internal/infra/ledger/memory"
	"supplycore/internal/infra/ledger/natsledger"
	"supplycore/pkg/domain"
)

// app is the wired service plus everything that must be released on exit.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	svc      *core.Service
	archiver *archive.Archiver
	closers  []func(context.Context) error
}

func loadConfig(opts *RootOptions) (config.Config, error) {
	return config.Load(opts.ConfigPath)
}

func openApp(ctx context.Context, opts *RootOptions) (a *app, err error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	a = &app{cfg: cfg, logger: cfg.Log.NewLogger(os.Stderr)}
	defer func() {
		if err != nil {
			_ = a.Close(ctx)
		}
	}()

	ledger, err := a.openLedger(ctx)
	if err != nil {
		return nil, err
	}
	dir := directory.NewStatic()
	if cfg.Directory.File != "" {
		if dir, err = directory.LoadFile(cfg.Directory.File); err != nil {
			return nil, err
		}
	}
	store, closer, err := core.OpenLotStore(ctx, cfg.Storage, nil)
	if err != nil {
		return nil, fmt.Errorf("open lot store: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return closer.Close() })

	prom, err := core.NewPrometheusMetricsRecorder(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, err
	}
	svcOpts := []core.Option{
		core.WithLogger(a.logger),
		core.WithDirectory(dir),
		core.WithMetricsRecorder(core.MultiMetricsRecorder{prom, core.NewExpvarMetricsRecorder("")}),
		core.WithAllocationOptions(allocation.WithContentionRetries(cfg.Allocation.ContentionRetries)),
		core.WithGraphOptions(graph.WithSpacing(cfg.Graph.Spacing), graph.WithFanout(cfg.Graph.Fanout)),
	}
	blobs, err := blob.Open(ctx, cfg.Blob)
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	if blobs != nil {
		if a.archiver, err = archive.New(blobs, archive.WithLogger(a.logger)); err != nil {
			return nil, err
		}
		a.archiver.Start()
		a.closers = append(a.closers, a.archiver.Stop)
		svcOpts = append(svcOpts, core.WithReceiptSink(a.archiver), core.WithAuditRecorder(a.archiver))
	}
	if a.svc, err = core.NewService(ledger, store, svcOpts...); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) openLedger(ctx context.Context) (domain.Ledger, error) {
	cfg := a.cfg.Ledger
	var ledger domain.Ledger
	switch cfg.Transport {
	case config.LedgerNATS:
		conn, err := nats.Connect(cfg.NATSURL, nats.Name("supplycore"))
		if err != nil {
			return nil, fmt.Errorf("connect ledger gateway: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { conn.Close(); return nil })
		ledger = natsledger.NewClient(conn,
			natsledger.WithPrefix(cfg.Prefix),
			natsledger.WithTimeout(cfg.Timeout),
			natsledger.WithLogger(a.logger))
	default:
		l, err := openMemoryLedger(ctx, cfg.Fixture)
		if err != nil {
			return nil, err
		}
		ledger = l
	}
	if cfg.CacheSize <= 0 {
		return ledger, nil
	}
	return cached.New(ledger, cfg.CacheSize)
}

func openMemoryLedger(ctx context.Context, fixture string) (*ledgermem.Ledger, error) {
	if fixture == "" {
		return ledgermem.New(), nil
	}
	f, err := os.Open(fixture)
	if err != nil {
		return nil, fmt.Errorf("open ledger fixture: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ledgermem.LoadFixture(ctx, f)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// withApp opens the app for the duration of fn.
func withApp(cmd *cobra.Command, opts *RootOptions, fn func(context.Context, *app) error) (err error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx, opts)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, a.Close(context.WithoutCancel(ctx))) }()
	return fn(ctx, a)
}

func parseAddress(flag, raw string) (domain.Address, error) {
	if strings.TrimSpace(raw) == "" {
		return "", fmt.Errorf("--%s is required", flag)
	}
	addr, err := domain.ParseAddress(raw)
	if err != nil {
		return "", fmt.Errorf("--%s: %w", flag, err)
	}
	return addr, nil
}
