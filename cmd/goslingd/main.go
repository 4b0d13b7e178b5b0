package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"gosling/internal/admin"
	"gosling/internal/config"
	"gosling/internal/dhcp"
	"gosling/internal/lease"
	"gosling/internal/tftpboot"
	"gosling/pkg/bus"
	"gosling/pkg/telemetry"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.New(os.Stderr, "", log.LstdFlags).Fatal(err)
	}
}

func newRootCommand() *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:           "goslingd",
		Short:         "Small authoritative DHCPv4 server with static assignments and lease persistence",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run("goslingd", cfgPath)
		},
	}

	cmd.Flags().StringVarP(&cfgPath, "config", "c", config.DefaultPath, "Path to the YAML configuration file")
	return cmd
}

func run(serviceName, cfgPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, middleware, logger, err := telemetry.Init(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownTelemetry != nil {
			if err := shutdownTelemetry(shutdownCtx); err != nil {
				fmt.Fprintf(os.Stderr, "%s: telemetry shutdown error: %v\n", serviceName, err)
			}
		}
	}()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := lease.Open(lease.Params{
		RangeStart: cfg.RangeStart,
		RangeEnd:   cfg.RangeEnd,
		LeaseFile:  cfg.LeaseFile,
		StaticFile: cfg.StaticFile,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("open lease store: %w", err)
	}
	logger.Printf("INFO lease store opened with %d entries", store.Len())

	var events dhcp.EventPublisher
	if cfg.NATSURL != "" {
		b, err := bus.New(cfg.NATSURL)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer b.Close()
		events = b
	}

	var dhcpReady, tftpReady, adminReady atomic.Bool
	errCh := make(chan error, 3)

	server, err := dhcp.NewServer(cfg, store, events, logger)
	if err != nil {
		return fmt.Errorf("create dhcp server: %w", err)
	}
	go func() {
		if err := server.Run(ctx, &dhcpReady); err != nil {
			errCh <- fmt.Errorf("dhcp: %w", err)
		}
	}()

	if cfg.TFTP.Enabled {
		server := tftpboot.NewServer(cfg.TFTP, logger)
		go func() {
			if err := server.Run(ctx, &tftpReady); err != nil {
				errCh <- fmt.Errorf("tftp: %w", err)
			}
		}()
	} else {
		tftpReady.Store(true)
	}

	if cfg.AdminListen != "" {
		server, err := admin.NewServer(cfg.AdminListen, store, &dhcpReady, middleware, logger)
		if err != nil {
			return fmt.Errorf("create admin server: %w", err)
		}
		go func() {
			if err := server.Run(ctx, &adminReady); err != nil {
				errCh <- fmt.Errorf("admin: %w", err)
			}
		}()
	} else {
		adminReady.Store(true)
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}
