// The service host runs the orchestrators of its configured places. Rule
// payloads arrive over the bus and are acknowledged back to the deployer;
// tokens then flow place to place until the workflow terminates.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/petrel-io/petrel/cmd/servicehost/admin"
	"github.com/petrel-io/petrel/common/bootstrap"
	"github.com/petrel-io/petrel/common/bus"
	"github.com/petrel-io/petrel/common/server"
	"github.com/petrel-io/petrel/common/shutdown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var version string
	cmd := &cobra.Command{
		Use:          "servicehost",
		Short:        "Serve the orchestrators of this host's places",
		Long:         "Binds the rule and event ports of every configured place, installs rule payloads as they arrive, and orchestrates tokens through the deployed workflow until told to stop.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), version)
		},
	}
	cmd.Flags().StringVar(&version, "version", "",
		"rule-base version this host serves; names the running marker and shutdown port")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func run(ctx context.Context, version string) error {
	components, err := bootstrap.Setup(ctx, "servicehost")
	if err != nil {
		return fmt.Errorf("bootstrap servicehost: %w", err)
	}
	defer components.Shutdown(ctx)
	cfg, log := components.Config, components.Logger

	h := newHost(components, version)
	if err := h.start(ctx); err != nil {
		return err
	}
	defer h.stop()

	marker, err := shutdown.WriteMarker(cfg.Service.RunDir, version)
	if err != nil {
		return fmt.Errorf("write running marker: %w", err)
	}
	defer shutdown.RemoveMarker(marker)

	trigger := shutdown.NewTrigger(log)
	defer trigger.Close()
	trigger.TrapSignals()
	if err := trigger.WatchMarker(cfg.Service.RunDir, shutdown.MarkerName(version)); err != nil {
		log.Warn("marker watch unavailable", "error", err)
	}
	if err := trigger.ListenUDP(bus.ShutdownPort(version)); err != nil {
		log.Warn("shutdown port unavailable", "error", err)
	}

	adminSrv := server.New("admin server", cfg.Service.AdminPort, admin.NewEcho(h), log)
	adminSrv.DrainTimeout = cfg.Host.DrainTimeout
	srvCtx, srvCancel := context.WithCancel(ctx)
	defer srvCancel()
	srvErr := make(chan error, 1)
	go func() { srvErr <- adminSrv.Start(srvCtx) }()

	log.Info("service host ready",
		"version", version,
		"admin_port", cfg.Service.AdminPort,
		"marker", marker)

	select {
	case <-trigger.Done():
		log.Info("stopping", "reason", trigger.Reason())
	case <-ctx.Done():
	case err := <-srvErr:
		if err != nil {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	}

	srvCancel()
	if err := <-srvErr; err != nil {
		log.Error("admin server shutdown", "error", err)
	}
	return nil
}
