package orchestrator

import (
	"context"

	"github.com/sepidehpouyan/reactive-tools/internal/descriptor"
	apperrors "github.com/sepidehpouyan/reactive-tools/internal/errors"
)

// establishConnection brings one connection up, mirroring
// connection.py's Connection.establish: idempotent, and either a direct
// (deployer-to-module) or normal (module-to-module) handshake.
func (o *Orchestrator) establishConnection(ctx context.Context, conn *descriptor.Connection) error {
	if conn.Established {
		return nil
	}

	var err error
	if conn.Direct {
		err = o.establishDirect(ctx, conn)
	} else {
		err = o.establishNormal(ctx, conn)
	}
	if err != nil {
		return err
	}

	conn.Established = true
	o.log.WithConnection(conn.ID, conn.Name).Info("connection established")
	return o.checkpoint()
}

// establishNormal runs connect (on the source node) and set_key (on both
// endpoints) concurrently, per __establish_normal's
// `asyncio.gather(connect, set_key_from, set_key_to)`.
func (o *Orchestrator) establishNormal(ctx context.Context, conn *descriptor.Connection) error {
	fromNode, err := o.registry.NodeOf(conn.FromModule)
	if err != nil {
		return err
	}
	toNode, err := o.registry.NodeOf(conn.ToModule)
	if err != nil {
		return err
	}
	fromMod, err := o.registry.Module(conn.FromModule)
	if err != nil {
		return err
	}
	toMod, err := o.registry.Module(conn.ToModule)
	if err != nil {
		return err
	}

	toIP, toPort, err := o.registry.NodeAddress(conn.ToModule)
	if err != nil {
		return err
	}
	sameNode := o.registry.SameNode(conn.FromModule, conn.ToModule)

	return runAll(
		func() error { return fromNode.Connect(ctx, toMod, conn.ID, toIP, toPort, sameNode) },
		func() error {
			return fromNode.SetKey(ctx, fromMod, conn.ID, conn.FromIndex, conn.Encryption, conn.Key)
		},
		func() error {
			return toNode.SetKey(ctx, toMod, conn.ID, conn.ToIndex, conn.Encryption, conn.Key)
		},
	)
}

// establishDirect installs the key on only the destination module, per
// __establish_direct.
func (o *Orchestrator) establishDirect(ctx context.Context, conn *descriptor.Connection) error {
	toNode, err := o.registry.NodeOf(conn.ToModule)
	if err != nil {
		return err
	}
	toMod, err := o.registry.Module(conn.ToModule)
	if err != nil {
		return err
	}
	return toNode.SetKey(ctx, toMod, conn.ID, conn.ToIndex, conn.Encryption, conn.Key)
}

// preflightConnect requires both endpoints to be attested before a normal
// connection establishes (only the destination, for a direct connection),
// per spec.md §4.10's connect preflight.
func (o *Orchestrator) preflightConnect(conn *descriptor.Connection) error {
	toCommon, err := o.moduleCommon(conn.ToModule)
	if err != nil {
		return err
	}
	if !toCommon.Attested {
		return apperrors.New(apperrors.PreflightNotAttested, "destination module not attested").
			WithDetail("module", conn.ToModule)
	}
	if conn.Direct {
		return nil
	}
	fromCommon, err := o.moduleCommon(conn.FromModule)
	if err != nil {
		return err
	}
	if !fromCommon.Attested {
		return apperrors.New(apperrors.PreflightNotAttested, "source module not attested").
			WithDetail("module", conn.FromModule)
	}
	return nil
}

func (o *Orchestrator) moduleCommon(name string) (*descriptor.Module, error) {
	md, err := o.cfg.GetModule(name)
	if err != nil {
		return nil, err
	}
	common := descriptor.ModuleOf(md)
	if common == nil {
		return nil, apperrors.New(apperrors.ConfigUnsupportedPairing, "unknown module variant in descriptor")
	}
	return common, nil
}
