// Package deploy drives the rule-deployment pipeline: parse and validate
// a process definition, plan its joins, generate per-place rule atoms,
// materialize binding files, and push one rule payload per (place,
// operation) over the bus, awaiting a commit acknowledgement for each.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/petrel-io/petrel/cmd/deployer/workflow"
	"github.com/petrel-io/petrel/common/bus"
	"github.com/petrel-io/petrel/common/config"
	"github.com/petrel-io/petrel/common/endpoint"
	"github.com/petrel-io/petrel/common/facts"
	"github.com/petrel-io/petrel/common/rulebase"
)

// Opts configures a Deployer.
type Opts struct {
	Config *config.Config
	Facts  facts.Store
	Log    Logger

	// Send overrides the datagram transport, nil means bus.Send.
	Send bus.SendFunc
}

func (o Opts) validate() error {
	if o.Config == nil {
		return errors.New("deploy: Config is required")
	}
	if o.Facts == nil {
		return errors.New("deploy: Facts is required")
	}
	if o.Log == nil {
		return errors.New("deploy: Log is required")
	}
	return nil
}

// Deployer pushes process definitions to the hosts that run them.
type Deployer struct {
	cfg      *config.Config
	facts    facts.Store
	log      Logger
	send     bus.SendFunc
	resolver *endpoint.Resolver
}

// New creates a Deployer.
func New(opts Opts) (*Deployer, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	send := opts.Send
	if send == nil {
		send = bus.Send
	}
	return &Deployer{
		cfg:      opts.Config,
		facts:    opts.Facts,
		log:      opts.Log,
		send:     send,
		resolver: endpoint.NewResolver(opts.Facts, opts.Log),
	}, nil
}

// deployUnit is one (place, operation) payload ready to go out.
type deployUnit struct {
	place *workflow.Place
	op    workflow.Operation
	ep    endpoint.Endpoint
	rules *RuleSet
}

// Deploy runs the pipeline for one process definition at one version and
// returns the number of confirmed commitments. On success that equals the
// number of deployable (place, operation) pairs. An optional overlay is a
// JSON patch applied to the definition before parsing.
func (d *Deployer) Deploy(ctx context.Context, processName, version string, overlay []byte) (int, error) {
	deployID := uuid.NewString()
	raw, err := os.ReadFile(d.cfg.ProcessDefinitionPath(processName))
	if err != nil {
		return 0, fmt.Errorf("read process definition: %w", err)
	}
	if len(overlay) > 0 {
		raw, err = workflow.ApplyOverlay(raw, overlay)
		if err != nil {
			return 0, err
		}
	}

	m, err := workflow.Parse(raw)
	if err != nil {
		return 0, err
	}
	d.log.Info("process definition parsed",
		"deploy_id", deployID,
		"process", processName,
		"type", m.ProcessType,
		"places", len(m.Places()),
		"transitions", len(m.Transitions()))
	if mons := m.StandaloneMonitors(); len(mons) > 0 {
		d.log.Info("standalone monitors present, nothing to deploy for them", "count", len(mons))
	}

	if err := workflow.NewValidator(d.facts, d.log).Validate(ctx, m).Err(); err != nil {
		return 0, err
	}

	plan, err := workflow.PlanJoins(m)
	if err != nil {
		return 0, err
	}
	for _, w := range plan.Warnings {
		d.log.Warn("join planning", "warning", w)
	}

	// The template is parsed fresh per deploy and payloads are composed
	// on value copies, so concurrent deploys never share mutable state.
	template, err := rulebase.LoadTemplate(d.cfg.TemplatePath())
	if err != nil {
		return 0, err
	}

	units, err := d.prepare(ctx, m, plan, version)
	if err != nil {
		return 0, err
	}

	if err := d.assertFacts(ctx, version, units); err != nil {
		return 0, err
	}

	tracker, err := StartTracker(ctx, version, d.log)
	if err != nil {
		return 0, err
	}
	defer tracker.Close()

	for i, u := range units {
		commitment := i + 1
		payload, err := composePayload(template, version, commitment, u)
		if err != nil {
			return tracker.Confirmed(), err
		}
		if err := d.push(ctx, tracker, u.ep.RuleAddr(), commitment, payload); err != nil {
			return tracker.Confirmed(), err
		}
	}

	if err := d.facts.Assert(ctx, facts.A("deployedVersion", version, processName)); err != nil {
		return tracker.Confirmed(), fmt.Errorf("mark version deployed: %w", err)
	}
	d.log.Info("deploy complete",
		"deploy_id", deployID,
		"process", processName,
		"version", version,
		"commitments", tracker.Confirmed())
	return tracker.Confirmed(), nil
}

// prepare resolves endpoints, materializes binding files, and generates
// the rule set of every deployable (place, operation). It finishes the
// rule folder before any payload goes out, so a later send failure never
// leaves the folder half-written.
func (d *Deployer) prepare(ctx context.Context, m *workflow.Model, plan *workflow.Plan, version string) ([]deployUnit, error) {
	gen := NewGenerator(m, plan, d.log)
	files := NewBindings(d.cfg.RuleFolderPath(version), m.ProcessType, d.log)

	var units []deployUnit
	var allBindings []facts.Atom
	for _, place := range gen.Deployables() {
		for _, op := range place.Operations {
			ep, err := d.resolver.Resolve(ctx, place.Service, op.Name)
			if err != nil {
				return nil, err
			}
			rows, err := files.Materialize(place.Service, op.Name, gen.BindingAtoms(place, op))
			if err != nil {
				return nil, err
			}
			rs, err := gen.Generate(place, op, rows)
			if err != nil {
				return nil, err
			}
			allBindings = append(allBindings, rows...)
			units = append(units, deployUnit{place: place, op: op, ep: ep, rules: rs})
		}
	}
	if err := files.AppendToRulebase(allBindings); err != nil {
		return nil, err
	}
	return units, nil
}

// assertFacts publishes the deploy's routing and binding knowledge into
// the fact store: serviceName and serviceHost rows for each endpoint,
// publishes rows for each route, and the canonical bindings themselves.
func (d *Deployer) assertFacts(ctx context.Context, version string, units []deployUnit) error {
	for _, u := range units {
		svcRow := facts.A("serviceName",
			version, u.place.Service, u.op.Name,
			strconv.Itoa(u.ep.Channel), strconv.Itoa(u.ep.Port))
		if err := d.facts.Assert(ctx, svcRow); err != nil {
			return fmt.Errorf("assert serviceName: %w", err)
		}
		if err := d.facts.Assert(ctx, facts.A("serviceHost", u.place.Service, u.ep.Host)); err != nil {
			return fmt.Errorf("assert serviceHost: %w", err)
		}
		for _, a := range u.rules.Atoms {
			switch a.Functor {
			case "canonicalBinding":
				if err := d.facts.Assert(ctx, a); err != nil {
					return fmt.Errorf("assert canonicalBinding: %w", err)
				}
			case "meetsCondition":
				pub := facts.A("publishes",
					u.place.Service, u.op.Name,
					a.Args[0], a.Args[1], a.Args[2], a.Args[3],
					version)
				if err := d.facts.Assert(ctx, pub); err != nil {
					return fmt.Errorf("assert publishes: %w", err)
				}
			}
		}
	}
	return nil
}

// composePayload fills a value copy of the template for one unit.
func composePayload(template *rulebase.Payload, version string, commitment int, u deployUnit) ([]byte, error) {
	p := *template
	p.Header.RuleBaseVersion = version
	p.Header.RuleBaseCommitment = commitment
	p.Target.ServiceName = u.place.Service
	p.Target.OperationName = u.op.Name
	p.Target.Buffer = nil
	if u.rules.Buffer > 0 {
		buf := u.rules.Buffer
		p.Target.Buffer = &buf
	}
	p.Rules.Data = facts.FormatAtoms(u.rules.Atoms)
	return p.Marshal()
}

// push sends one payload and awaits its acknowledgement, retrying with
// linear backoff up to the configured attempt budget.
func (d *Deployer) push(ctx context.Context, tracker *Tracker, addr string, commitment int, payload []byte) error {
	deploy := d.cfg.Deploy
	var lastErr error
	for attempt := 1; attempt <= deploy.MaxRetries; attempt++ {
		if attempt > 1 {
			backoff := time.Duration(attempt-1) * deploy.RetryBackoff
			d.log.Warn("retrying rule payload",
				"addr", addr, "commitment", commitment, "attempt", attempt, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := d.send(ctx, addr, payload); err != nil {
			lastErr = fmt.Errorf("TRANSIENT_IO: send rule payload: %w", err)
			continue
		}
		if err := tracker.Await(ctx, commitment, deploy.CommitTimeout); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			lastErr = err
			continue
		}
		d.log.Debug("rule payload confirmed", "addr", addr, "commitment", commitment, "attempt", attempt)
		return nil
	}
	return fmt.Errorf("rule payload to %s (commitment %d) unconfirmed after %d attempts: %w",
		addr, commitment, d.cfg.Deploy.MaxRetries, lastErr)
}
