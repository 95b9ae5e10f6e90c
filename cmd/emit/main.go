// Command emit composes one token envelope and sends it to a place's
// event port. Point it at the first place of a deployed workflow to set
// an instance running, or at any place to smoke-test a host.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/petrel-io/petrel/common/bootstrap"
	"github.com/petrel-io/petrel/common/bus"
	"github.com/petrel-io/petrel/common/endpoint"
	"github.com/petrel-io/petrel/common/token"
)

type emitFlags struct {
	service   string
	operation string
	version   string
	sequence  int64
	attr      string
	value     string
	ttl       time.Duration
	addr      string
	monitor   bool
}

func main() {
	var f emitFlags
	root := &cobra.Command{
		Use:          "emit",
		Short:        "Send one workflow token to a place's event port",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), f)
		},
	}
	root.Flags().StringVar(&f.service, "service", "", "target service name")
	root.Flags().StringVar(&f.operation, "operation", "", "target operation")
	root.Flags().StringVar(&f.version, "version", "", "rule-base version stamped on the token")
	root.Flags().Int64Var(&f.sequence, "sequence", 0, "token sequence id; the workflow instance is sequence-sequence%10000")
	root.Flags().StringVar(&f.attr, "attr", "token", "join attribute name")
	root.Flags().StringVar(&f.value, "value", "", "join attribute value")
	root.Flags().DurationVar(&f.ttl, "ttl", 0, "join expiry horizon; 0 lets the receiving host stamp its default window")
	root.Flags().StringVar(&f.addr, "addr", "", "host:port override; skips endpoint resolution")
	root.Flags().BoolVar(&f.monitor, "monitor", false, "ask receiving places to record arrival timing")
	for _, name := range []string{"service", "operation", "version", "sequence"} {
		if err := root.MarkFlagRequired(name); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, f emitFlags) error {
	if f.sequence <= 0 {
		return errors.New("sequence must be positive")
	}

	c, err := bootstrap.Setup(ctx, "emit", bootstrap.WithoutDB())
	if err != nil {
		return err
	}
	defer c.Shutdown(context.Background())

	addr := f.addr
	if addr == "" {
		ep, rerr := endpoint.NewResolver(c.Facts, c.Logger).Resolve(ctx, f.service, f.operation)
		if rerr != nil {
			return fmt.Errorf("resolve %s/%s: %w", f.service, f.operation, rerr)
		}
		addr = ep.EventAddr()
	}

	var notAfter int64
	if f.ttl > 0 {
		notAfter = time.Now().Add(f.ttl).UnixMilli()
	}
	env := &token.Envelope{
		Header: token.Header{
			SequenceID:            f.sequence,
			RuleBaseVersion:       f.version,
			MonitorIncomingEvents: f.monitor,
		},
		Join: token.JoinAttribute{
			AttributeName:  f.attr,
			AttributeValue: f.value,
			NotAfter:       notAfter,
		},
		Service: token.Service{ServiceName: f.service, Operation: f.operation},
	}
	raw, err := env.Marshal()
	if err != nil {
		return err
	}
	if err := bus.Send(ctx, addr, raw); err != nil {
		return fmt.Errorf("send to %s: %w", addr, err)
	}
	fmt.Printf("sent sequence %d to %s\n", f.sequence, addr)
	return nil
}
