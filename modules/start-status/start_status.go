package start_status

import (
	"sync"

	"github.com/chebyrash/promise"
)

type startStatus struct {
	once sync.Once
	done chan struct{}
	err  error
}

type StartStatus = *startStatus

type Starter interface {
	Started() *promise.Promise[any]
}

var _ Starter = &startStatus{}

func New() StartStatus {
	return &startStatus{done: make(chan struct{})}
}

// TriggerStart settles the status. Only the first trigger counts.
func (s *startStatus) TriggerStart() {
	s.once.Do(func() { close(s.done) })
}

func (s *startStatus) TriggerStartFailure(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

func (s *startStatus) Started() *promise.Promise[any] {
	return promise.New(func(resolve func(any), reject func(error)) {
		<-s.done
		if s.err != nil {
			reject(s.err)
			return
		}
		resolve(nil)
	})
}
