package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/trestle/internal/claims"
	"github.com/zulandar/trestle/internal/config"
	"github.com/zulandar/trestle/internal/db"
	"github.com/zulandar/trestle/internal/master"
	"github.com/zulandar/trestle/internal/sweeper"
)

func newMasterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "master",
		Short: "Master daemon commands",
	}

	cmd.AddCommand(newMasterStartCmd())
	cmd.AddCommand(newMasterSweepCmd())
	return cmd
}

func newMasterStartCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the master daemon",
		Long:  "Starts the master daemon: attaches workers, claims and runs build requests, sweeps expired claims, serves the dashboard.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMasterStart(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "trestle.yaml", "path to Trestle config file")
	return cmd
}

func runMasterStart(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	if err := db.SeedBuilders(gormDB, cfg.Builders); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(out, "\nReceived %s, shutting down...\n", sig)
		cancel()
	}()

	return master.Run(ctx, gormDB, cfg, out)
}

func newMasterSweepCmd() *cobra.Command {
	var (
		configPath string
		maxAge     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Release expired claims once and exit",
		Long:  "Runs one sweep pass: unclaims incomplete build requests whose claim is older than the expiry threshold.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMasterSweep(cmd, configPath, maxAge)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "trestle.yaml", "path to Trestle config file")
	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "claim expiry override (default from config)")
	return cmd
}

func runMasterSweep(cmd *cobra.Command, configPath string, maxAge time.Duration) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if maxAge == 0 {
		maxAge = cfg.Claims.MaxAge()
	}

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return err
	}

	sw, err := sweeper.New(claims.NewStore(gormDB), cfg.Claims.SweepSchedule, maxAge, io.Discard)
	if err != nil {
		return err
	}
	released, err := sw.SweepOnce(time.Now())
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Released %d expired claims\n", released)
	return nil
}
