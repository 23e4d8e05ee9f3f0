package notify

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lumenfeed/market_layer/internal/docstore"
	"github.com/lumenfeed/market_layer/internal/logging"
)

const outboxCollection = "notificationOutbox"

// Outbox persists notification intents alongside the mutations that caused
// them, then delivers asynchronously. This replaces fire-and-forget sends
// racing the HTTP response: a committed saga always leaves its intent
// behind, and the sweeper retries delivery until it succeeds.
type Outbox struct {
	store    docstore.Store
	client   Notifier
	log      *logging.Logger
	batch    int
	cron     *cron.Cron
	onResult func(result string)
}

// NewOutbox creates an outbox sweeping at most batch events per run.
func NewOutbox(store docstore.Store, client Notifier, batch int, log *logging.Logger) *Outbox {
	if batch <= 0 {
		batch = 50
	}
	return &Outbox{store: store, client: client, batch: batch, log: log}
}

// OnResult registers a callback invoked with "ok" or "fail" per delivery
// attempt. Used to feed metrics.
func (o *Outbox) OnResult(fn func(result string)) {
	o.onResult = fn
}

// Enqueue persists the event for later delivery.
func (o *Outbox) Enqueue(ctx context.Context, event Event) error {
	if _, err := o.store.Add(ctx, outboxCollection, map[string]interface{}{
		"type":      event.Type,
		"source":    event.Source,
		"target":    event.Target,
		"timestamp": event.Timestamp.UTC().Format(time.RFC3339Nano),
		"params":    event.Params,
	}); err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}
	return nil
}

// Sweep delivers pending events oldest-first, deleting each on success.
// Failed deliveries stay queued for the next sweep.
func (o *Outbox) Sweep(ctx context.Context) error {
	docs, err := o.store.Query(ctx, outboxCollection, nil)
	if err != nil {
		return fmt.Errorf("read outbox: %w", err)
	}

	sort.Slice(docs, func(i, j int) bool {
		ti, _ := docstore.FieldString(docs[i].Data, "timestamp")
		tj, _ := docstore.FieldString(docs[j].Data, "timestamp")
		return ti < tj
	})
	if len(docs) > o.batch {
		docs = docs[:o.batch]
	}

	for _, doc := range docs {
		event := eventFromDoc(doc.Data)
		if err := o.client.Send(ctx, event); err != nil {
			o.log.WithError(err).WithField("target", event.Target).Warn("outbox delivery failed")
			o.report("fail")
			continue
		}
		o.report("ok")
		if err := o.store.Delete(ctx, doc.Path); err != nil {
			o.log.WithError(err).WithField("path", doc.Path).Warn("outbox entry not removed")
		}
	}
	return nil
}

// Start schedules Sweep on the given cron spec (e.g. "@every 10s").
func (o *Outbox) Start(spec string) error {
	c := cron.New(cron.WithSeconds())
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := o.Sweep(ctx); err != nil {
			o.log.WithError(err).Warn("outbox sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule outbox sweep: %w", err)
	}
	c.Start()
	o.cron = c
	return nil
}

// Stop halts the sweeper, waiting for a running sweep to finish.
func (o *Outbox) Stop() {
	if o.cron != nil {
		<-o.cron.Stop().Done()
	}
}

func (o *Outbox) report(result string) {
	if o.onResult != nil {
		o.onResult(result)
	}
}

func eventFromDoc(data map[string]interface{}) Event {
	event := Event{}
	event.Type, _ = docstore.FieldString(data, "type")
	event.Source, _ = docstore.FieldString(data, "source")
	event.Target, _ = docstore.FieldString(data, "target")
	if ts, ok := docstore.FieldString(data, "timestamp"); ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			event.Timestamp = t
		}
	}
	if params, ok := docstore.FieldValue(data, "params"); ok {
		if m, ok := params.(map[string]interface{}); ok {
			event.Params = m
		}
	}
	return event
}
