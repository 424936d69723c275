package cmd

import (
	"context"
	"errors"

	"github.com/celestiaorg/celestia-state-gc/nodebuilder"
)

// Runner opens the store of a command and runs a node over it.
type Runner struct {
	config *nodebuilder.Config
	store  nodebuilder.Store
	node   *nodebuilder.Node
}

func NewRunner(config *nodebuilder.Config) *Runner {
	return &Runner{config: config}
}

func (r *Runner) Init(ctx context.Context) error {
	return nodebuilder.Init(*r.config, StorePath(ctx))
}

// Node returns the node of a started Runner.
func (r *Runner) Node() *nodebuilder.Node {
	return r.node
}

func (r *Runner) Start(ctx context.Context) error {
	store, err := nodebuilder.OpenStore(StorePath(ctx))
	if err != nil {
		return err
	}

	node, err := nodebuilder.NewWithConfig(store, r.config, NodeOptions(ctx)...)
	if err != nil {
		return errors.Join(err, store.Close())
	}

	err = node.Start(ctx)
	if err != nil {
		return errors.Join(err, store.Close())
	}

	r.store = store
	r.node = node
	return nil
}

func (r *Runner) Stop(ctx context.Context) error {
	if r.node == nil {
		return nil
	}
	err := r.node.Stop(ctx)
	r.node = nil
	return errors.Join(err, r.store.Close())
}

// withNode runs fn over a started node and stops it afterwards.
func withNode(ctx context.Context, cfg *nodebuilder.Config, fn func(context.Context, *nodebuilder.Node) error) (err error) {
	r := NewRunner(cfg)
	if err := r.Start(ctx); err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, r.Stop(context.WithoutCancel(ctx)))
	}()

	return fn(ctx, r.Node())
}
