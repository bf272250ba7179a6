package main

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/warp/leave-engine/config"
	"github.com/warp/leave-engine/delegation"
	"github.com/warp/leave-engine/escalation"
	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/ledger"
	"github.com/warp/leave-engine/metrics"
	"github.com/warp/leave-engine/notify"
	"github.com/warp/leave-engine/routing"
	"github.com/warp/leave-engine/store/sqlite"
	"github.com/warp/leave-engine/workflow"
)

// app is the wired engine shared by every command.
type app struct {
	cfg      *config.Config
	log      *logrus.Logger
	store    *sqlite.Store
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	ledger      *ledger.Ledger
	delegations *delegation.Manager
	workflow    *workflow.Service
	sweeper     *escalation.Sweeper

	closers []func() error
}

// loadApp reads the configuration and wires every component.
func loadApp() (*app, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return newApp(cfg, log)
}

func newApp(cfg *config.Config, log *logrus.Logger) (*app, error) {
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:      cfg,
		log:      log,
		store:    store,
		registry: prometheus.NewRegistry(),
		closers:  []func() error{store.Close},
	}
	a.metrics = metrics.New(a.registry)

	notifier, docs := a.notifications()

	a.ledger = ledger.New(store, log, a.metrics)
	a.delegations = delegation.NewManager(store, store, store, log)
	router := routing.NewRouter(store, a.delegations, cfg.Routing.Policy(), log)
	a.workflow = workflow.NewService(workflow.Deps{
		Store:       store,
		Ledger:      a.ledger,
		Router:      router,
		Directory:   store,
		Catalog:     store,
		Notifier:    notifier,
		Audit:       store,
		Documents:   docs,
		Deactivator: store,
		Delegations: a.delegations,
		Metrics:     a.metrics,
		Log:         log,
	})
	a.sweeper = escalation.NewSweeper(store, store, store, notifier, store,
		cfg.Escalation.Settings(), log, a.metrics)
	return a, nil
}

// notifications builds the notifier chain: log always, Kafka when brokers
// are configured, de-duplicated through Redis or memory. Approved records
// go to Kafka when brokers are configured, nowhere otherwise.
func (a *app) notifications() (generic.Notifier, generic.DocumentGenerator) {
	nc := a.cfg.Notify
	sinks := notify.Multi{notify.NewLog(a.log)}
	var docs generic.DocumentGenerator

	if len(nc.KafkaBrokers) > 0 {
		w := notify.NewWriter(nc.KafkaBrokers, nc.KafkaTopic)
		a.closers = append(a.closers, w.Close)
		sinks = append(sinks, notify.NewKafka(w))
		if nc.RecordsTopic != "" {
			rw := notify.NewWriter(nc.KafkaBrokers, nc.RecordsTopic)
			a.closers = append(a.closers, rw.Close)
			docs = notify.NewRecordPublisher(rw)
		}
		a.log.WithFields(logrus.Fields{"brokers": nc.KafkaBrokers, "topic": nc.KafkaTopic}).Info("kafka notifications enabled")
	}

	var deduper notify.Deduper = notify.NewMemoryDeduper()
	if nc.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: nc.RedisAddr})
		a.closers = append(a.closers, rdb.Close)
		deduper = notify.NewRedisDeduper(rdb, "leave:notify:")
		a.log.WithField("addr", nc.RedisAddr).Info("redis notification de-duplication enabled")
	}
	return notify.NewDeduped(sinks, deduper, nc.DedupeTTL, a.log), docs
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs *multierror.Error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
