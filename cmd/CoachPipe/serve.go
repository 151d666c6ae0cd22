package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func serveCmd(flags *Flags) *cobra.Command {
	var noWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the webhooks and support API",
		Long: "Serve the WhatsApp webhooks, the support endpoints and the account sync endpoints.\n" +
			"The delivery worker runs in the same process unless --no-worker is given or WORKER_IN_PROCESS=false.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			a, err := buildApp(cmd.Context(), cfg, flags, "serve")
			if err != nil {
				return err
			}
			defer a.Close()
			return serve(cmd.Context(), a, cfg.Worker.InProcess && !noWorker)
		},
	}
	cmd.Flags().StringVar(&flags.apiAddr, "api-addr", "", "HTTP listen address (overrides $API_ADDR)")
	cmd.Flags().StringVar(&flags.policyPath, "policy", "", "composer policy YAML file (default: built-in policy)")
	cmd.Flags().StringVar(&flags.qrOutput, "qr-output", "", "path to write the whatsmeow login QR code")
	cmd.Flags().BoolVar(&flags.numericCode, "numeric-code", false, "print the whatsmeow pairing code instead of a QR code")
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "do not run the delivery worker in this process")
	return cmd
}

func serve(ctx context.Context, a *app, withWorker bool) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.server.Run(ctx, a.cfg.APIAddr)
	})
	if withWorker {
		g.Go(func() error {
			return a.worker.Run(ctx)
		})
	}
	if a.wa != nil {
		// whatsmeow pushes events instead of calling a webhook
		a.wa.Subscribe(ctx, a.ingress.Process)
	}
	slog.Info("CoachPipe serving", "addr", a.cfg.APIAddr, "transport", a.cfg.Messaging.Transport, "worker", withWorker)
	err := g.Wait()
	slog.Info("CoachPipe stopped")
	return err
}

func workerCmd(flags *Flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the delivery worker alone",
		Long: "Send due check-in, bilan and memory-echo invitations and run the periodic sweeps.\n" +
			"With the whatsmeow transport the device can only be held by one process; run the worker inside serve instead.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			a, err := buildApp(cmd.Context(), cfg, flags, "worker")
			if err != nil {
				return err
			}
			defer a.Close()

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				return a.worker.Run(ctx)
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&flags.policyPath, "policy", "", "composer policy YAML file (default: built-in policy)")
	return cmd
}
