package aggregate

import (
	"context"

	"github.com/chebyrash/promise"
	"github.com/hashicorp/go-multierror"
)

type Aggregate struct {
	plugins []Plugin
}

var _ Plugin = &Aggregate{}

func New(plugins []Plugin) *Aggregate {
	return &Aggregate{plugins}
}

// Run initializes and starts every plugin, then blocks until ctx is done or
// a plugin fails to start. Plugins are always stopped before returning.
func (a *Aggregate) Run(ctx context.Context) error {
	if err := a.Init(); err != nil {
		return err
	}

	var result error
	if _, err := a.startAll(ctx).Await(ctx); err != nil && ctx.Err() == nil {
		result = multierror.Append(result, err)
	} else {
		<-ctx.Done()
	}

	if err := a.Stop(); err != nil {
		result = multierror.Append(result, err)
	}
	return result
}

// Init implements Plugin.
func (a *Aggregate) Init() error {
	for _, p := range a.plugins {
		if err := p.Init(); err != nil {
			return err
		}
	}
	return nil
}

func (a *Aggregate) startAll(ctx context.Context) *promise.Promise[any] {
	promises := make([]*promise.Promise[any], len(a.plugins))
	for i, p := range a.plugins {
		promises[i] = p.Start()
	}
	return promise.Then(
		promise.All(ctx, promises...),
		ctx,
		func([]any) (any, error) {
			return nil, nil
		},
	)
}

// Start implements Plugin.
func (a *Aggregate) Start() *promise.Promise[any] {
	return a.startAll(context.Background())
}

// Stop implements Plugin. Plugins stop in reverse order and every plugin is
// stopped even when an earlier one fails.
func (a *Aggregate) Stop() error {
	var result error
	for i := len(a.plugins) - 1; i >= 0; i-- {
		if err := a.plugins[i].Stop(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}
