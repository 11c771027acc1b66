package signer_service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"igloo-signer/lib/logger"
	agg "igloo-signer/modules/aggregate"
	"igloo-signer/modules/credentials"
	"igloo-signer/modules/keepalive"
	"igloo-signer/modules/peers"
	"igloo-signer/modules/signer"
	start_status "igloo-signer/modules/start-status"
	"igloo-signer/modules/store"
	"igloo-signer/modules/transport"

	"github.com/chebyrash/promise"
)

const stopTimeout = 10 * time.Second

// ===== types =====

// Service runs one signer session for the credentials in the store.
type Service struct {
	conf      Config
	creds     *store.CredentialStore
	policies  peers.PolicyStore
	codec     credentials.Codec
	connector transport.Connector
	log       *slog.Logger

	coord       *signer.Coordinator
	book        *peers.Book
	status      start_status.StartStatus
	unsubscribe func()

	group, share string
	pingTimeout  time.Duration
}

// ===== interface assertions =====

var _ agg.Plugin = &Service{}
var _ start_status.Starter = &Service{}

// ===== constructor =====

func New(
	conf Config,
	creds *store.CredentialStore,
	policies peers.PolicyStore,
	codec credentials.Codec,
	connector transport.Connector,
	log *slog.Logger,
) *Service {
	return &Service{
		conf:      conf,
		creds:     creds,
		policies:  policies,
		codec:     codec,
		connector: connector,
		log:       logger.Or(log, "signer-service"),
		status:    start_status.New(),
	}
}

// ===== implementing plugin interface =====

func (s *Service) Init() error {
	ctx := context.Background()
	group, share, err := s.creds.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading credentials: %w", err)
	}
	if res := credentials.VerifyPair(s.codec, group, share); !res.Valid {
		return fmt.Errorf("stored %s is invalid: %s", res.Field, res.Reason)
	}

	cfg := s.conf.Get()
	s.pingTimeout, err = cfg.PingTimeoutDuration()
	if err != nil {
		return err
	}

	opts := []signer.Option{
		signer.WithLogger(logger.New("signer")),
		signer.WithPolicyStore(s.policies),
	}
	if cfg.Keepalive {
		opts = append(opts, signer.WithKeepalive(keepalive.NewNoop()))
	}
	s.coord = signer.New(s.codec, s.connector, opts...)
	s.book = peers.NewBook(s.policies)
	s.unsubscribe = s.coord.Subscribe(s.observe)
	s.group, s.share = group, share
	return nil
}

func (s *Service) Start() *promise.Promise[any] {
	return promise.New(func(resolve func(any), reject func(error)) {
		ctx := context.Background()
		if err := s.book.Reset(ctx, s.coord.GetPeers(s.group, s.share)); err != nil {
			s.log.Warn("loading peer book", "err", err)
		}
		if details, err := s.coord.ShareDetails(s.group, s.share); err == nil {
			s.log.Info("starting signer",
				"index", details.Index,
				"threshold", details.Threshold,
				"total", details.Total,
				"relays", len(s.conf.Get().Relays))
		}

		if err := s.coord.Start(ctx, s.group, s.share, s.conf.Get().Relays); err != nil {
			s.status.TriggerStartFailure(err)
			reject(err)
			return
		}
		s.status.TriggerStart()
		resolve(nil)
	})
}

func (s *Service) Stop() error {
	if s.coord == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	err := s.coord.Stop(ctx, signer.StopOptions{})
	if errors.Is(err, context.DeadlineExceeded) {
		s.log.Warn("signer did not stop in time")
	}
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	return err
}

// ===== accessors =====

func (s *Service) Started() *promise.Promise[any] {
	return s.status.Started()
}

func (s *Service) Coordinator() *signer.Coordinator {
	return s.coord
}

func (s *Service) Peers() []peers.Peer {
	if s.book == nil {
		return nil
	}
	return s.book.Peers()
}

func (s *Service) IsRunning() bool {
	return s.coord != nil && s.coord.IsRunning()
}

// PingAll probes every peer with the configured timeout.
func (s *Service) PingAll(ctx context.Context) ([]signer.PingResult, error) {
	if s.coord == nil {
		return nil, signer.ErrNotRunning
	}
	return s.coord.PingAll(ctx, s.pingTimeout)
}
