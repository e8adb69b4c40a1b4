package cli

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"supplycore/internal/config"
	"supplycore/internal/infra/ledger/natsledger"
)

func newLedgerCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "ledger", Short: "Run the ledger gateway"}
	cmd.AddCommand(newLedgerServeCommand(opts))
	return cmd
}

func newLedgerServeCommand(opts *RootOptions) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve an in-memory ledger over an embedded NATS server",
		Long: `Loads the configured ledger fixture into memory and answers ledger
requests on <prefix>.* subjects. Point other supplycore processes at it with
ledger.transport: nats and ledger.nats_url set to the listen address.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serveLedger(ctx, cfg, listen, func(url string) {
				fmt.Fprintf(cmd.OutOrStdout(), "ledger gateway listening on %s\n", url)
			})
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:4222", "host:port for the embedded NATS server")
	return cmd
}

// serveLedger blocks until ctx is done. ready receives the client URL once
// the gateway answers requests.
func serveLedger(ctx context.Context, cfg config.Config, listen string, ready func(url string)) error {
	logger := cfg.Log.NewLogger(os.Stderr)
	host, rawPort, err := net.SplitHostPort(listen)
	if err != nil {
		return fmt.Errorf("invalid --listen %q: %w", listen, err)
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil {
		return fmt.Errorf("invalid --listen port %q: %w", rawPort, err)
	}

	ns, err := server.NewServer(&server.Options{Host: host, Port: port, NoLog: true, NoSigs: true})
	if err != nil {
		return fmt.Errorf("start nats: %w", err)
	}
	ns.Start()
	defer ns.Shutdown()
	if !ns.ReadyForConnections(10 * time.Second) {
		return errors.New("embedded nats server not ready")
	}

	ledger, err := openMemoryLedger(ctx, cfg.Ledger.Fixture)
	if err != nil {
		return err
	}
	conn, err := nats.Connect(ns.ClientURL(), nats.Name("supplycore-ledger"))
	if err != nil {
		return err
	}
	defer conn.Close()
	gateway := natsledger.NewServer(conn, ledger,
		natsledger.WithPrefix(cfg.Ledger.Prefix),
		natsledger.WithLogger(logger))
	if err := gateway.Start(); err != nil {
		return err
	}
	defer gateway.Stop()
	if err := conn.Flush(); err != nil {
		return err
	}
	logger.Info("ledger gateway started", "url", ns.ClientURL(), "prefix", cfg.Ledger.Prefix)
	if ready != nil {
		ready(ns.ClientURL())
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.Handle("/debug/vars", expvar.Handler())
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	err = g.Wait()
	logger.Info("ledger gateway stopped")
	return err
}
