package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dohoonidot/aaa-client/internal/ackworker"
	"github.com/dohoonidot/aaa-client/internal/config"
	"github.com/dohoonidot/aaa-client/internal/notify"
	"github.com/dohoonidot/aaa-client/internal/push"
	"github.com/dohoonidot/aaa-client/internal/storage"
)

// historyKeep bounds the number of notifications kept on disk.
const historyKeep = 1000

// app is the long-lived notification client: one channel feeding one store,
// with the store mirrored to SQLite and consumed records acknowledged.
type app struct {
	store   *notify.Store
	channel *notify.Channel
	acks    *notify.AckBatcher
	worker  *ackworker.Worker
	db      *storage.Store
	logger  *slog.Logger
	unsubs  []func()
}

func newApp(cfg config.Config, db *storage.Store, t notify.Transport, acker notify.Acker, logger *slog.Logger) (*app, error) {
	a := &app{
		store:  notify.NewStore(cfg.Store.Capacity, logger),
		db:     db,
		logger: logger,
	}
	if err := a.restore(cfg.Store.Capacity); err != nil {
		return nil, fmt.Errorf("restoring notifications: %w", err)
	}

	opts := notify.AckOptions{
		BatchSize:     cfg.Ack.BatchSize,
		FlushInterval: cfg.Ack.FlushInterval,
		Policy:        notify.ParseFailurePolicy(cfg.Ack.Policy),
		MaxAttempts:   cfg.Ack.MaxAttempts,
		Logger:        logger,
	}
	if opts.Policy == notify.RetryWithCap {
		opts.Retry = ackworker.NewQueue(db)
	}
	a.acks = notify.NewAckBatcher(ackworker.NewRecorder(acker, db, logger), opts)
	a.worker = ackworker.NewWorker(db, acker, 0, logger)

	a.channel = notify.NewChannel(t, notify.ChannelOptions{
		OnStateChange: func(s notify.State) {
			logger.Info("push channel state changed", "state", s)
		},
		Logger: logger,
	})

	a.unsubs = append(a.unsubs,
		a.store.OnChange(a.persist),
		a.channel.Subscribe(a.receive),
	)
	return a, nil
}

// newTransport picks the push transport named in cfg.
func newTransport(cfg config.Config, logger *slog.Logger) notify.Transport {
	b := push.Backoff{
		Initial:     cfg.Push.InitialBackoff,
		Max:         cfg.Push.MaxBackoff,
		MaxAttempts: cfg.Push.MaxAttempts,
	}
	if cfg.Push.Transport == "websocket" {
		return push.NewWebSocketTransport(cfg.Backend.BaseURL, cfg.Push.Path, cfg.Session.ID, b, logger)
	}
	return push.NewSSETransport(cfg.Backend.BaseURL, cfg.Push.Path, cfg.Session.ID, b, logger)
}

// restore loads the newest persisted notifications into the store, oldest
// first so the store ends up newest-first.
func (a *app) restore(limit int) error {
	rows, err := a.db.ListNotifications(storage.NotificationFilter{Limit: limit})
	if err != nil {
		return err
	}
	for i := len(rows) - 1; i >= 0; i-- {
		a.store.Add(recordFromRow(rows[i]))
	}
	if len(rows) > 0 {
		a.logger.Info("restored notifications", "count", len(rows), "unread", a.store.UnreadCount())
	}
	return nil
}

func (a *app) receive(env notify.Envelope) {
	rec := notify.Decode(env)
	if a.store.Add(rec) {
		a.logger.Info("notification received", "id", rec.ID, "type", rec.Type)
	}
}

// persist mirrors store changes to the history table. Reading, removing and
// clearing a record consume it, so those also queue its acknowledgement.
// Evicted records stay on disk until pruned.
func (a *app) persist(ch notify.Change) {
	switch ch.Kind {
	case notify.ChangeAdded:
		for _, rec := range ch.Records {
			a.save(rec)
		}
	case notify.ChangeRead:
		for _, rec := range ch.Records {
			if err := a.db.MarkNotificationRead(rec.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
				a.logger.Warn("persisting read state failed", "id", rec.ID, "error", err)
			}
			a.acks.Add(rec.ID)
		}
	case notify.ChangeRemoved, notify.ChangeCleared:
		for _, rec := range ch.Records {
			if err := a.db.DeleteNotification(rec.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
				a.logger.Warn("deleting notification failed", "id", rec.ID, "error", err)
			}
			a.acks.Add(rec.ID)
		}
	}
}

func (a *app) save(rec notify.Record) {
	n, err := rowFromRecord(rec)
	if err != nil {
		a.logger.Warn("encoding notification failed", "id", rec.ID, "error", err)
		return
	}
	inserted, err := a.db.SaveNotification(n)
	if err != nil {
		a.logger.Warn("saving notification failed", "id", rec.ID, "error", err)
		return
	}
	if !inserted {
		return
	}
	if pruned, err := a.db.PruneNotifications(historyKeep); err != nil {
		a.logger.Warn("pruning history failed", "error", err)
	} else if pruned > 0 {
		a.logger.Debug("pruned history", "count", pruned)
	}
}

// shutdown sends whatever acknowledgements are still pending, then stops
// the batcher and detaches listeners.
func (a *app) shutdown(ctx context.Context) {
	if n, err := a.acks.Flush(ctx); err != nil {
		a.logger.Warn("final ack flush failed", "error", err)
	} else if n > 0 {
		a.logger.Info("flushed pending acknowledgements", "count", n)
	}
	a.acks.Destroy()
	for _, fn := range a.unsubs {
		fn()
	}
}

// channelControl binds channel reconnects to the server's context rather
// than the request that asked for them.
type channelControl struct {
	ctx     context.Context
	channel *notify.Channel
}

func (c channelControl) State() notify.State { return c.channel.State() }
func (c channelControl) Enabled() bool       { return c.channel.Enabled() }

func (c channelControl) SetEnabled(enabled bool) {
	c.channel.SetEnabled(c.ctx, enabled)
}

func rowFromRecord(rec notify.Record) (storage.Notification, error) {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return storage.Notification{}, err
	}
	return storage.Notification{
		ID:          rec.ID,
		Type:        rec.Type,
		QueueName:   rec.QueueName,
		Title:       rec.Title,
		Message:     rec.Message,
		PayloadJSON: string(payload),
		Link:        rec.Link,
		Gift:        rec.Gift,
		Read:        rec.Read,
		ReceivedAt:  rec.ReceivedAt,
	}, nil
}

func recordFromRow(n storage.Notification) notify.Record {
	var payload any
	if n.PayloadJSON != "" {
		// Rows are written by rowFromRecord, so the payload is valid JSON.
		_ = json.Unmarshal([]byte(n.PayloadJSON), &payload)
	}
	return notify.Record{
		ID:         n.ID,
		Type:       n.Type,
		QueueName:  n.QueueName,
		Title:      n.Title,
		Message:    n.Message,
		Payload:    payload,
		ReceivedAt: n.ReceivedAt,
		Read:       n.Read,
		Link:       n.Link,
		Gift:       n.Gift,
	}
}
