// The deployer pushes one process definition, at one rule-base version,
// to every service host that runs a place in it.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/petrel-io/petrel/cmd/deployer/deploy"
	"github.com/petrel-io/petrel/common/bootstrap"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var overlayPath string
	cmd := &cobra.Command{
		Use:          "deployer {process} {version}",
		Short:        "Deploy a process definition to its service hosts",
		Long:         "Parses, validates, and deploys a process definition: one rule payload per (place, operation), each confirmed by its host before the deploy counts as done.",
		Args:         cobra.ExactArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), args[0], args[1], overlayPath)
		},
	}
	cmd.Flags().StringVar(&overlayPath, "overlay", "",
		"JSON patch file applied to the definition before deploying")
	return cmd
}

func run(ctx context.Context, processName, version, overlayPath string) error {
	components, err := bootstrap.Setup(ctx, "deployer", bootstrap.WithoutDB())
	if err != nil {
		return fmt.Errorf("bootstrap deployer: %w", err)
	}
	defer components.Shutdown(ctx)

	var overlay []byte
	if overlayPath != "" {
		overlay, err = os.ReadFile(overlayPath)
		if err != nil {
			return fmt.Errorf("read overlay: %w", err)
		}
	}

	d, err := deploy.New(deploy.Opts{
		Config: components.Config,
		Facts:  components.Facts,
		Log:    components.Logger,
	})
	if err != nil {
		return err
	}

	count, err := d.Deploy(ctx, processName, version, overlay)
	if err != nil {
		components.Logger.Error("deploy failed",
			"process", processName, "version", version, "error", err)
		return err
	}
	fmt.Printf("deployed %s version %s: %d commitments confirmed\n", processName, version, count)
	return nil
}
