package orchestrator

import (
	"context"
	"sort"
	"time"

	"github.com/sepidehpouyan/reactive-tools/internal/buildctx"
	"github.com/sepidehpouyan/reactive-tools/internal/descriptor"
	apperrors "github.com/sepidehpouyan/reactive-tools/internal/errors"
	"github.com/sepidehpouyan/reactive-tools/internal/logging"
	"github.com/sepidehpouyan/reactive-tools/internal/orchestrator/metrics"
)

// Orchestrator drives one descriptor.Config through its subcommands,
// replacing config.py's Config.install_async/build_async/cleanup_async and
// the CLI's separate deploy/attest/connect/register entry points with a
// single Go type fanning out over goroutines instead of asyncio tasks.
type Orchestrator struct {
	cfg      *descriptor.Config
	registry *Registry
	log      *logging.Logger

	// ResultPath, if non-empty, is where every checkpoint is written instead
	// of overwriting cfg.Path (CLI's --result flag). Format, if non-nil,
	// overrides cfg's sticky serialization choice (--output).
	ResultPath string
	Format     *descriptor.Format

	metrics *metrics.Metrics
}

// New builds an Orchestrator for cfg, recording to the global Metrics
// instance.
func New(cfg *descriptor.Config, bc buildctx.BuildContext) (*Orchestrator, error) {
	registry, err := NewRegistry(cfg, bc)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{cfg: cfg, registry: registry, log: logging.Default(), metrics: metrics.Global()}, nil
}

// recordOperation times fn and reports its outcome under operation/target,
// wrapping every subcommand with the same observability the teacher wraps
// its own service entry points with.
func (o *Orchestrator) recordOperation(operation, target string, fn func() error) error {
	start := time.Now()
	err := fn()
	status := "ok"
	if err != nil {
		status = "error"
	}
	o.metrics.RecordOperation(operation, target, status, time.Since(start))
	return err
}

func nameOrAll(name string) string {
	if name == "" {
		return "all"
	}
	return name
}

// refreshGauges recomputes the deployed/attested/established gauges from
// cfg's current state, called after every checkpoint.
func (o *Orchestrator) refreshGauges() {
	var deployed, attested float64
	for _, md := range o.cfg.Modules {
		common := descriptor.ModuleOf(md)
		if common == nil {
			continue
		}
		if common.Deployed {
			deployed++
		}
		if common.Attested {
			attested++
		}
	}
	o.metrics.ModulesDeployed.Set(deployed)
	o.metrics.ModulesAttested.Set(attested)

	var connected float64
	for _, conn := range o.cfg.Connections {
		if conn.Established {
			connected++
		}
	}
	o.metrics.ConnectionsEstablished.Set(connected)

	var registered float64
	for _, event := range o.cfg.PeriodicEvents {
		if event.Established {
			registered++
		}
	}
	o.metrics.EventsRegistered.Set(registered)
}

// checkpoint flushes the current descriptor state to disk. Called after
// every entity transitions (deploy/attest/connect/register), not only at
// subcommand end, so a crash mid-batch never silently loses state that was
// already effected on a remote node (spec.md §9's checkpoint-granularity
// design note).
func (o *Orchestrator) checkpoint() error {
	o.refreshGauges()
	return descriptor.Dump(o.cfg, o.ResultPath, o.Format)
}

// Build compiles every module (or, if name is non-empty, just that one),
// concurrently, mirroring Config.build_async's
// `asyncio.gather(*[module.build() for module in self.modules])`.
func (o *Orchestrator) Build(ctx context.Context, bc buildctx.BuildContext, name string) error {
	return o.recordOperation("build", nameOrAll(name), func() error {
		targets, err := o.moduleTargets(name)
		if err != nil {
			return err
		}
		return runConcurrent(targets, func(modName string) error {
			mod, err := o.registry.Module(modName)
			if err != nil {
				return err
			}
			return mod.Build(ctx, bc)
		})
	})
}

// Deploy uploads modules to their nodes. With name empty it deploys every
// undeployed module: first the priority-ordered subset strictly
// sequentially (Config.deploy_priority_modules), then the remainder either
// sequentially (orderedRemainder, --deploy-in-order) or concurrently,
// mirroring deploy_modules_ordered_async's fallback fan-out. With name set
// it deploys just that module, erroring if it's already deployed.
func (o *Orchestrator) Deploy(ctx context.Context, name string, orderedRemainder bool) error {
	return o.recordOperation("deploy", nameOrAll(name), func() error {
		if name != "" {
			common, err := o.moduleCommon(name)
			if err != nil {
				return err
			}
			if common.Deployed {
				return apperrors.New(apperrors.PreflightAlready, "module already deployed").WithDetail("module", name)
			}
			return o.deployOne(ctx, name)
		}

		priority, rest := o.partitionByPriority()

		for _, modName := range priority {
			if err := o.deployIfNeeded(ctx, modName); err != nil {
				return err
			}
		}

		if orderedRemainder {
			for _, modName := range rest {
				if err := o.deployIfNeeded(ctx, modName); err != nil {
					return err
				}
			}
			return nil
		}

		return runConcurrent(rest, func(modName string) error {
			return o.deployIfNeeded(ctx, modName)
		})
	})
}

func (o *Orchestrator) deployIfNeeded(ctx context.Context, name string) error {
	common, err := o.moduleCommon(name)
	if err != nil {
		return err
	}
	if common.Deployed {
		return nil
	}
	return o.deployOne(ctx, name)
}

// deployOne deploys a single module and immediately requests its key,
// mirroring deploy_modules_ordered_async's "await module.get_key() #
// trigger remote attestation for some modules (e.g. SGX)" — SGX derives its
// symmetric key as a side effect of the codegen/remote-attestation flow
// triggered by a key request, not by deploy itself.
func (o *Orchestrator) deployOne(ctx context.Context, name string) error {
	node, err := o.registry.NodeOf(name)
	if err != nil {
		return err
	}
	mod, err := o.registry.Module(name)
	if err != nil {
		return err
	}
	if err := node.Deploy(ctx, mod); err != nil {
		return err
	}
	if _, err := mod.GetKey(ctx); err != nil {
		return err
	}

	common, err := o.moduleCommon(name)
	if err != nil {
		return err
	}
	common.Deployed = true
	o.log.WithModule(name).Info("module deployed")
	return o.checkpoint()
}

// partitionByPriority splits module names into the ascending-priority
// subset and the unprioritized remainder, per deploy_priority_modules.
func (o *Orchestrator) partitionByPriority() (priority, rest []string) {
	type entry struct {
		name string
		prio int
	}
	var prioritized []entry

	for _, md := range o.cfg.Modules {
		common := descriptor.ModuleOf(md)
		if common.Priority != nil {
			prioritized = append(prioritized, entry{common.Name, *common.Priority})
		} else {
			rest = append(rest, common.Name)
		}
	}

	sort.SliceStable(prioritized, func(i, j int) bool { return prioritized[i].prio < prioritized[j].prio })
	for _, e := range prioritized {
		priority = append(priority, e.name)
	}
	return priority, rest
}

// Attest challenges every unattested module (or just name), requiring every
// module be deployed first, per spec.md §4.10's attest preflight.
func (o *Orchestrator) Attest(ctx context.Context, name string) error {
	return o.recordOperation("attest", nameOrAll(name), func() error {
		targets, err := o.moduleTargets(name)
		if err != nil {
			return err
		}

		for _, modName := range targets {
			common, err := o.moduleCommon(modName)
			if err != nil {
				return err
			}
			if !common.Deployed {
				return apperrors.New(apperrors.PreflightNotDeployed, "module not deployed").WithDetail("module", modName)
			}
		}

		return runConcurrent(targets, func(modName string) error {
			common, err := o.moduleCommon(modName)
			if err != nil {
				return err
			}
			if common.Attested {
				return nil
			}
			node, err := o.registry.NodeOf(modName)
			if err != nil {
				return err
			}
			mod, err := o.registry.Module(modName)
			if err != nil {
				return err
			}
			if err := node.Attest(ctx, mod); err != nil {
				return err
			}
			common.Attested = true
			o.log.WithModule(modName).Info("module attested")
			return o.checkpoint()
		})
	})
}

// Connect establishes every unestablished connection (or, if name is
// non-empty, just the one so named), requiring the preflight attestation
// invariant spec.md §4.10 names.
func (o *Orchestrator) Connect(ctx context.Context, name string) error {
	return o.recordOperation("connect", nameOrAll(name), func() error {
		conns, err := o.connectionTargets(name)
		if err != nil {
			return err
		}

		for _, conn := range conns {
			if conn.Established {
				continue
			}
			if err := o.preflightConnect(conn); err != nil {
				return err
			}
		}

		return runConcurrent(conns, func(conn *descriptor.Connection) error {
			return o.establishConnection(ctx, conn)
		})
	})
}

// Register establishes every unestablished periodic event (or just name),
// requiring its module be attested first.
func (o *Orchestrator) Register(ctx context.Context, name string) error {
	return o.recordOperation("register", nameOrAll(name), func() error {
		events, err := o.eventTargets(name)
		if err != nil {
			return err
		}

		for _, event := range events {
			if event.Established {
				continue
			}
			if err := o.preflightRegister(event); err != nil {
				return err
			}
		}

		return runConcurrent(events, func(event *descriptor.PeriodicEvent) error {
			return o.registerEvent(ctx, event)
		})
	})
}

// Cleanup runs every node's variant-specific teardown, mirroring
// Config.cleanup_async.
func (o *Orchestrator) Cleanup(ctx context.Context) error {
	nodes := o.registry.Nodes()
	names := make([]string, 0, len(nodes))
	for name := range nodes {
		names = append(names, name)
	}
	return runConcurrent(names, func(name string) error {
		return nodes[name].Cleanup(ctx)
	})
}

func (o *Orchestrator) moduleTargets(name string) ([]string, error) {
	if name != "" {
		if _, err := o.moduleCommon(name); err != nil {
			return nil, err
		}
		return []string{name}, nil
	}
	names := make([]string, 0, len(o.cfg.Modules))
	for _, md := range o.cfg.Modules {
		names = append(names, descriptor.ModuleOf(md).Name)
	}
	return names, nil
}

func (o *Orchestrator) connectionTargets(name string) ([]*descriptor.Connection, error) {
	if name != "" {
		conn, err := o.cfg.GetConnectionByName(name)
		if err != nil {
			return nil, err
		}
		return []*descriptor.Connection{conn}, nil
	}
	return o.cfg.Connections, nil
}

func (o *Orchestrator) eventTargets(name string) ([]*descriptor.PeriodicEvent, error) {
	if name != "" {
		for _, e := range o.cfg.PeriodicEvents {
			if e.Name == name {
				return []*descriptor.PeriodicEvent{e}, nil
			}
		}
		return nil, apperrors.New(apperrors.DescUnknownName, "no periodic event with this name").WithDetail("name", name)
	}
	return o.cfg.PeriodicEvents, nil
}
