package utils

import (
	"context"
	"time"

	"github.com/chebyrash/promise"
)

func Sleep(ts time.Duration) *promise.Promise[struct{}] {
	return promise.New(func(resolve func(struct{}), reject func(error)) {
		time.AfterFunc(ts, func() {
			resolve(struct{}{})
		})
	})
}

func PromiseResolve[T any](val T) *promise.Promise[T] {
	return promise.New(func(resolve func(T), reject func(error)) {
		resolve(val)
	})
}

func PromiseReject[T any](err error) *promise.Promise[T] {
	return promise.New(func(resolve func(T), reject func(error)) {
		reject(err)
	})
}

// PromiseFrom runs fn on the promise's goroutine and settles with its result.
func PromiseFrom[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) *promise.Promise[T] {
	return promise.New(func(resolve func(T), reject func(error)) {
		val, err := fn(ctx)
		if err != nil {
			reject(err)
			return
		}
		resolve(val)
	})
}
