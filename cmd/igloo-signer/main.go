package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path"
	"syscall"

	"igloo-signer/lib/logger"
	"igloo-signer/modules/aggregate"
	"igloo-signer/modules/credentials"
	"igloo-signer/modules/node"
	peer_monitor "igloo-signer/modules/peer-monitor"
	signer_service "igloo-signer/modules/signer-service"
	"igloo-signer/modules/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Println("error is", err)
		os.Exit(1)
	}
}

func run() error {
	a, err := ParseArgs()
	if err != nil {
		return err
	}

	conf := signer_service.NewConfig(a.dataDir)
	if err := conf.Init(); err != nil {
		return err
	}
	if len(a.relays) > 0 {
		if err := conf.SetRelays(a.relays); err != nil {
			return err
		}
	}

	level := conf.Get().LogLevel
	if a.logLevel != "" {
		level = a.logLevel
	}
	log, err := logger.Setup(os.Stderr, level)
	if err != nil {
		return err
	}

	ds, err := store.Open(path.Join(a.dataDir, "store"))
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer ds.Close()

	codec := credentials.Bifrost{}
	creds := store.NewCredentialStore(ds)
	policies := store.NewPolicyStore(ds)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if a.importGroup != "" {
		if res := credentials.VerifyPair(codec, a.importGroup, a.importShare); !res.Valid {
			return fmt.Errorf("cannot import %s: %s", res.Field, res.Reason)
		}
		if err := creds.Save(ctx, a.importGroup, a.importShare); err != nil {
			return err
		}
		log.Info("credentials imported")
	}

	connector := &node.Connector{
		Codec: codec,
		Log:   logger.New("node"),
	}
	svc := signer_service.New(conf, creds, policies, codec, connector, logger.New("signer-service"))
	monitor := peer_monitor.New(svc, func() string {
		return conf.Get().MonitorSchedule
	}, logger.New("peer-monitor"))

	plugins := []aggregate.Plugin{
		conf,
		svc,
		monitor,
	}

	return aggregate.New(plugins).Run(ctx)
}
