package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"anchorstream/internal/mockserver"
)

func newMockServerCommand(ctx *commandContext) *cobra.Command {
	var addr, labels string
	cmd := &cobra.Command{
		Use:   "mockserver",
		Short: "Serve a stand-in inference server that sweeps labels across the frame",
		Long: `Serve a stand-in inference server that sweeps labels across the frame.

Sending SIGUSR1 drops every connected stream client without a close handshake,
which exercises the client's reconnect path.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logger, err := ctx.ensure()
			if err != nil {
				return err
			}
			var names []string
			for _, l := range strings.Split(labels, ",") {
				if l = strings.TrimSpace(l); l != "" {
					names = append(names, l)
				}
			}
			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			srv := mockserver.New(mockserver.Sweep(names...), logger.Named("mockserver"))

			drop := make(chan os.Signal, 1)
			signal.Notify(drop, syscall.SIGUSR1)
			defer signal.Stop(drop)
			go func() {
				for {
					select {
					case <-runCtx.Done():
						return
					case <-drop:
						logger.Infow("dropping stream clients")
						srv.DropClients()
					}
				}
			}()
			return srv.Run(runCtx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8000", "Listen address")
	cmd.Flags().StringVar(&labels, "labels", "cup,door,chair", "Comma separated labels to report")
	return cmd
}
