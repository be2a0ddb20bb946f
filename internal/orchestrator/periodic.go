package orchestrator

import (
	"context"

	"github.com/sepidehpouyan/reactive-tools/internal/descriptor"
	apperrors "github.com/sepidehpouyan/reactive-tools/internal/errors"
)

// registerEvent programs one periodic event's entrypoint, mirroring
// periodic_event.py's PeriodicEvent.register: idempotent, and gated on its
// module already being attested.
func (o *Orchestrator) registerEvent(ctx context.Context, event *descriptor.PeriodicEvent) error {
	if event.Established {
		return nil
	}

	node, err := o.registry.NodeOf(event.Module)
	if err != nil {
		return err
	}
	mod, err := o.registry.Module(event.Module)
	if err != nil {
		return err
	}

	if err := node.RegisterEntrypoint(ctx, mod, event.Entry, event.FrequencyMs); err != nil {
		return err
	}

	event.Established = true
	o.log.WithModule(event.Module).Infof("registered %s every %dms", event.Entry, event.FrequencyMs)
	return o.checkpoint()
}

func (o *Orchestrator) preflightRegister(event *descriptor.PeriodicEvent) error {
	common, err := o.moduleCommon(event.Module)
	if err != nil {
		return err
	}
	if !common.Attested {
		return apperrors.New(apperrors.PreflightNotAttested, "module not attested").
			WithDetail("module", event.Module)
	}
	return nil
}
