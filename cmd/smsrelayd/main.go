package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/smsrelay/internal/carrier"
	"github.com/MarkoPoloResearchLab/smsrelay/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/smsrelay/internal/httpapi"
	"github.com/MarkoPoloResearchLab/smsrelay/pkg/relay"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "smsrelayd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "smsrelayd",
		Short:         "Credit-metered SMS relay",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd, cfg)
		},
	}
	registerFlags(cmd)

	cmd.AddCommand(newServeCommand(cfg), newQuoteCommand(cfg), newLedgerCommand(cfg))
	return cmd
}

func newServeCommand(cfg *runtimeConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP relay (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd, cfg)
		},
	}
}

func newQuoteCommand(cfg *runtimeConfig) *cobra.Command {
	var sender string
	cmd := &cobra.Command{
		Use:   "quote [message]",
		Short: "Print the credit cost of a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pricing, err := relay.NewPricing(cfg.SurchargeSenders, cfg.SenderSurcharge)
			if err != nil {
				return err
			}
			quote, err := pricing.Quote(args[0], sender)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "weighted length: %d\nbase: %d\nsurcharge: %d\ncredits: %d\n",
				quote.WeightedLength, quote.Base, quote.Surcharge, quote.Credits)
			return nil
		},
	}
	cmd.Flags().StringVar(&sender, "sender", "", "originator used for surcharge lookup")
	return cmd
}

func newLedgerCommand(cfg *runtimeConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the persisted ledger",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the ledger document as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, err := openLedgerStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = ledger.close() }()
			state, err := ledger.store.Read(cmd.Context())
			if err != nil {
				return err
			}
			encoded, err := relay.EncodeLedgerState(state)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
			return err
		},
	})
	return cmd
}

func serve(cmd *cobra.Command, cfg *runtimeConfig) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	return runServer(ctx, cfg, logger)
}

func runServer(ctx context.Context, cfg *runtimeConfig, logger *zap.Logger) error {
	if err := cfg.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}
	carrierClient, err := carrier.New(cfg.Carrier)
	if err != nil {
		return fmt.Errorf("carrier init: %w", err)
	}

	ledger, err := openLedgerStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := ledger.close(); closeErr != nil {
			logger.Warn("ledger store close failed", zap.Error(closeErr))
		}
	}()
	logger.Info("ledger store ready", zap.String("backend", cfg.StoreBackend))

	service, err := newRelayService(cfg, ledger.store, carrierClient, logger, time.Now)
	if err != nil {
		return err
	}
	router, err := httpapi.NewRouter(cfg.HTTP, service, logger, time.Now)
	if err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	if addr := strings.TrimSpace(cfg.GRPCHealthAddr); addr != "" {
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("grpc health listen: %w", err)
		}
		grpcServer := grpc.NewServer()
		healthServer := grpcserver.NewHealthServer(ledger.probe, 0, logger)
		healthServer.Register(grpcServer)
		group.Go(func() error {
			healthServer.Run(groupCtx)
			return nil
		})
		group.Go(func() error {
			return grpcserver.Serve(groupCtx, grpcServer, listener, logger)
		})
	}
	group.Go(func() error {
		return httpapi.Run(groupCtx, cfg.HTTP.ListenAddr, router, logger)
	})
	return group.Wait()
}
