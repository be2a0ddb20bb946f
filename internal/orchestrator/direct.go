package orchestrator

import (
	"context"

	apperrors "github.com/sepidehpouyan/reactive-tools/internal/errors"
)

// Call invokes moduleName's entry directly with arg, for the CLI's `call`
// subcommand.
func (o *Orchestrator) Call(ctx context.Context, moduleName, entry string, arg []byte) ([]byte, error) {
	node, err := o.registry.NodeOf(moduleName)
	if err != nil {
		return nil, err
	}
	mod, err := o.registry.Module(moduleName)
	if err != nil {
		return nil, err
	}
	return node.Call(ctx, mod, entry, arg)
}

// Output triggers connName's destination input with arg, for the CLI's
// `output` subcommand. The command is sent to the node hosting the
// connection's to_module, per the NodeOps.Output contract. Only valid for
// direct, output-input connections, per _handle_output's guards; the nonce
// is bumped by one afterwards so a repeat invocation doesn't replay an
// already-consumed AEAD nonce.
func (o *Orchestrator) Output(ctx context.Context, connName string, arg []byte) error {
	conn, err := o.cfg.GetConnectionByName(connName)
	if err != nil {
		return err
	}
	if !conn.Direct {
		return apperrors.New(apperrors.ConfigNotDirect, "connection is not direct").WithDetail("connection", connName)
	}
	if conn.ToInput == "" {
		return apperrors.New(apperrors.ConfigNotDirect, "not an output-input connection").WithDetail("connection", connName)
	}

	node, err := o.registry.NodeOf(conn.ToModule)
	if err != nil {
		return err
	}
	mod, err := o.registry.Module(conn.ToModule)
	if err != nil {
		return err
	}
	if err := node.Output(ctx, conn, mod, arg); err != nil {
		return err
	}

	conn.Nonce++
	return o.checkpoint()
}

// Request triggers connName's destination handler with arg and returns its
// decrypted response, for the CLI's `request` subcommand. Only valid for
// direct, request-handler connections; the nonce is bumped by two afterwards
// (one for the request, one for the response), per _handle_request.
func (o *Orchestrator) Request(ctx context.Context, connName string, arg []byte) ([]byte, error) {
	conn, err := o.cfg.GetConnectionByName(connName)
	if err != nil {
		return nil, err
	}
	if !conn.Direct {
		return nil, apperrors.New(apperrors.ConfigNotDirect, "connection is not direct").WithDetail("connection", connName)
	}
	if conn.ToHandler == "" {
		return nil, apperrors.New(apperrors.ConfigNotDirect, "not a request-handler connection").WithDetail("connection", connName)
	}

	node, err := o.registry.NodeOf(conn.ToModule)
	if err != nil {
		return nil, err
	}
	mod, err := o.registry.Module(conn.ToModule)
	if err != nil {
		return nil, err
	}
	resp, err := node.Request(ctx, conn, mod, arg)
	if err != nil {
		return nil, err
	}

	conn.Nonce += 2
	if err := o.checkpoint(); err != nil {
		return nil, err
	}
	return resp, nil
}
