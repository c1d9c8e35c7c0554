package commands

import (
	"fmt"
	"time"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"

	"github.com/NeuralForge6000/goop-utilities/cli/internal/sync"
)

func newSyncCommand(a *app) *cobra.Command {
	var (
		dryRun   bool
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Push the usage ledger to a goop-server",
		Long: `Push ledger events the server has not seen yet. Run once, or install a
background service that syncs on an interval.`,
		Example: `  goop sync                        Sync once
  goop sync --dry-run              Show what would be synced
  goop sync install --interval 30m Install and start the service
  goop sync status`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			client, err := sync.NewClient(a.cfg.Sync)
			if err != nil {
				return err
			}
			l, err := a.ledger()
			if err != nil {
				return err
			}
			defer func() { _ = l.Close() }()

			res, err := sync.Once(ctx, client, l, dryRun)
			if err != nil {
				return fmt.Errorf("sync failed: %w", err)
			}

			switch {
			case res.Pending == 0:
				fmt.Fprintln(out, "No new events to sync.")
			case res.DryRun:
				fmt.Fprintf(out, "Found %d new events to sync.\nDry run - no data sent.\n", res.Pending)
			default:
				fmt.Fprintf(out, "Sync complete. %d of %d events inserted.\n", res.Inserted, res.Pending)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "show what would be synced without sending")
	cmd.PersistentFlags().DurationVar(&interval, "interval", time.Hour, "sync interval for service mode (e.g. 1h, 30m)")

	svcFor := func() (service.Service, *sync.Runner, error) {
		r := sync.NewRunner(a.cfg, interval)
		s, err := sync.NewService(r, a.configPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create service: %w", err)
		}
		return s, r, nil
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "install",
			Short: "Install and start the background sync service",
			RunE: func(cmd *cobra.Command, args []string) error {
				if _, err := sync.NewClient(a.cfg.Sync); err != nil {
					return err
				}
				s, _, err := svcFor()
				if err != nil {
					return err
				}
				if err := s.Install(); err != nil {
					return fmt.Errorf("failed to install service: %w", err)
				}
				if err := s.Start(); err != nil {
					return fmt.Errorf("service installed but failed to start: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Service installed and started.\nSync interval: %s\n", interval)
				return nil
			},
		},
		serviceAction("start", "Start the background sync service", "Service started.", svcFor, service.Service.Start),
		serviceAction("stop", "Stop the background sync service", "Service stopped.", svcFor, service.Service.Stop),
		&cobra.Command{
			Use:   "uninstall",
			Short: "Remove the background sync service",
			RunE: func(cmd *cobra.Command, args []string) error {
				s, _, err := svcFor()
				if err != nil {
					return err
				}
				_ = s.Stop()
				if err := s.Uninstall(); err != nil {
					return fmt.Errorf("failed to uninstall service: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Service uninstalled.")
				return nil
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show the background sync service status",
			RunE: func(cmd *cobra.Command, args []string) error {
				s, _, err := svcFor()
				if err != nil {
					return err
				}
				status, err := s.Status()
				if err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "Service status: not installed or error (%v)\n", err)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Service status: %s\n", statusName(status))
				return nil
			},
		},
		&cobra.Command{
			Use:    "run",
			Short:  "Run the sync loop in the foreground (used by the service)",
			Hidden: true,
			RunE: func(cmd *cobra.Command, args []string) error {
				s, r, err := svcFor()
				if err != nil {
					return err
				}
				if l, err := s.Logger(nil); err == nil {
					r.SetLogger(l)
				}
				return s.Run()
			},
		},
	)

	return cmd
}

func serviceAction(use, short, done string, svcFor func() (service.Service, *sync.Runner, error), action func(service.Service) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, _, err := svcFor()
			if err != nil {
				return err
			}
			if err := action(s); err != nil {
				return fmt.Errorf("failed to %s service: %w", use, err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), done)
			return nil
		},
	}
}

func statusName(s service.Status) string {
	switch s {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
