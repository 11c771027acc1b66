package peer_monitor

import (
	"context"
	"log/slog"
	"sync"

	"igloo-signer/lib/logger"
	"igloo-signer/lib/utils"
	agg "igloo-signer/modules/aggregate"
	"igloo-signer/modules/signer"

	"github.com/chebyrash/promise"
	"github.com/robfig/cron/v3"
)

// ===== types =====

type Pinger interface {
	IsRunning() bool
	PingAll(ctx context.Context) ([]signer.PingResult, error)
}

// Monitor sweeps every peer on a cron schedule while the signer runs.
type Monitor struct {
	pinger   Pinger
	schedule func() string
	log      *slog.Logger

	cron *cron.Cron
	stop chan struct{}

	// one sweep at a time; a tick that finds one in flight is skipped
	busy sync.Mutex
}

// ===== interface assertions =====

var _ agg.Plugin = &Monitor{}

// ===== constructor =====

// New takes the schedule as a func so it is read after config Init.
func New(pinger Pinger, schedule func() string, log *slog.Logger) *Monitor {
	return &Monitor{
		pinger:   pinger,
		schedule: schedule,
		log:      logger.Or(log, "peer-monitor"),
		cron:     cron.New(),
		stop:     make(chan struct{}),
	}
}

// ===== implementing plugin interface =====

func (m *Monitor) Init() error {
	_, err := cron.ParseStandard(m.schedule())
	return err
}

// Sweep pings all peers once. It returns how many answered, and false when
// the sweep was skipped.
func (m *Monitor) Sweep(ctx context.Context) (online int, ran bool) {
	if !m.pinger.IsRunning() {
		return 0, false
	}
	if !m.busy.TryLock() {
		m.log.Debug("previous sweep still running")
		return 0, false
	}
	defer m.busy.Unlock()

	results, err := m.pinger.PingAll(ctx)
	if err != nil {
		m.log.Warn("peer sweep failed", "err", err)
		return 0, true
	}
	online = len(utils.Filter(results, func(r signer.PingResult) bool { return r.Success }))
	m.log.Info("peer sweep", "online", online, "total", len(results))
	return online, true
}

func (m *Monitor) Start() *promise.Promise[any] {
	return promise.New(func(resolve func(any), reject func(error)) {
		// create a ctx that cancels when the stop chan is closed
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			<-m.stop
			cancel()
		}()

		_, err := m.cron.AddFunc(m.schedule(), func() {
			select {
			case <-m.stop:
				return
			default:
				m.Sweep(ctx)
			}
		})
		if err != nil {
			reject(err)
			return
		}
		m.cron.Start()
		resolve(nil)
	})
}

func (m *Monitor) Stop() error {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	<-m.cron.Stop().Done()
	return nil
}
