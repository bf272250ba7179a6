// Package notify delivers engine notifications.
//
// Sinks implement generic.Notifier. Log writes structured log lines, Kafka
// publishes JSON events, Multi fans out to several sinks, and Deduped drops
// repeats of notifications carrying a DedupeKey.
package notify

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/warp/leave-engine/generic"
)

// Log writes every notification as an info log line.
type Log struct {
	log logrus.FieldLogger
}

func NewLog(log logrus.FieldLogger) *Log {
	return &Log{log: log.WithField("component", "notify")}
}

func (l *Log) Notify(_ context.Context, n generic.Notification) error {
	l.log.WithFields(logrus.Fields{
		"user_id": n.UserID,
		"kind":    n.Kind,
		"link":    n.Link,
	}).Info(n.Title + ": " + n.Message)
	return nil
}

// Multi delivers to every sink and aggregates failures.
type Multi []generic.Notifier

func (m Multi) Notify(ctx context.Context, n generic.Notification) error {
	var errs *multierror.Error
	for _, sink := range m {
		if err := sink.Notify(ctx, n); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// Deduper answers whether a key is seen for the first time within ttl.
type Deduper interface {
	First(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Deduped forwards a notification with a DedupeKey only the first time the
// key is seen. De-duplication is best-effort: if the deduper fails the
// notification is sent anyway.
type Deduped struct {
	next    generic.Notifier
	deduper Deduper
	ttl     time.Duration
	log     logrus.FieldLogger
}

func NewDeduped(next generic.Notifier, deduper Deduper, ttl time.Duration, log logrus.FieldLogger) *Deduped {
	return &Deduped{next: next, deduper: deduper, ttl: ttl, log: log.WithField("component", "notify")}
}

func (d *Deduped) Notify(ctx context.Context, n generic.Notification) error {
	if n.DedupeKey != "" {
		first, err := d.deduper.First(ctx, n.DedupeKey, d.ttl)
		if err != nil {
			d.log.WithError(err).WithField("key", n.DedupeKey).Warn("dedupe check failed, sending anyway")
		} else if !first {
			d.log.WithField("key", n.DedupeKey).Debug("duplicate notification dropped")
			return nil
		}
	}
	return d.next.Notify(ctx, n)
}
