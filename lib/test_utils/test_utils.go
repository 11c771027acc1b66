package test_utils

import (
	"context"
	"sync"

	"igloo-signer/modules/aggregate"

	"github.com/stretchr/testify/assert"
)

type TestingT interface {
	assert.TestingT
	Cleanup(func())
}

// manages the lifecycle of a plugin
//
// inits -> starts -> stops upon test completion
func RunPlugin(t TestingT, plugin aggregate.Plugin, blockUntilComplete ...bool) {
	assert.NoError(t, plugin.Init())
	t.Cleanup(func() {
		assert.NoError(t, plugin.Stop())
	})
	run := func() {
		_, err := plugin.Start().Await(context.Background())
		assert.NoError(t, err)
	}
	if len(blockUntilComplete) >= 1 && blockUntilComplete[0] {
		run()
	} else {
		go run()
	}
}

// Recorder collects events delivered by a synchronous emitter.
type Recorder[E any] struct {
	mu     sync.Mutex
	events []E
}

func (r *Recorder[E]) Record(e E) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *Recorder[E]) Events() []E {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]E(nil), r.events...)
}

func (r *Recorder[E]) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

// EventsOf returns the recorded events of type T in arrival order.
func EventsOf[T any, E any](r *Recorder[E]) []T {
	var res []T
	for _, e := range r.Events() {
		if v, ok := any(e).(T); ok {
			res = append(res, v)
		}
	}
	return res
}
