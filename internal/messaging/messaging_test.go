package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"symbol-optimizer/internal/database"
	"symbol-optimizer/internal/shadow"
)

type ackRecord struct {
	tag     uint64
	action  string
	requeue bool
}

type fakeAcker struct {
	mu      sync.Mutex
	records []ackRecord
}

func (f *fakeAcker) Ack(tag uint64, multiple bool) error {
	f.add(ackRecord{tag: tag, action: "ack"})
	return nil
}

func (f *fakeAcker) Nack(tag uint64, multiple, requeue bool) error {
	f.add(ackRecord{tag: tag, action: "nack", requeue: requeue})
	return nil
}

func (f *fakeAcker) Reject(tag uint64, requeue bool) error {
	f.add(ackRecord{tag: tag, action: "reject", requeue: requeue})
	return nil
}

func (f *fakeAcker) add(r ackRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, r)
}

func (f *fakeAcker) snapshot() []ackRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ackRecord(nil), f.records...)
}

type fakeConsumerChannel struct {
	deliveries chan amqp.Delivery
	declared   string
	prefetch   int
	closed     bool
}

func (f *fakeConsumerChannel) Qos(prefetchCount, _ int, _ bool) error {
	f.prefetch = prefetchCount
	return nil
}

func (f *fakeConsumerChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	f.declared = name
	return amqp.Queue{Name: name}, nil
}

func (f *fakeConsumerChannel) ConsumeWithContext(context.Context, string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}

func (f *fakeConsumerChannel) Close() error {
	f.closed = true
	return nil
}

func delivery(acker amqp.Acknowledger, tag uint64, body []byte) amqp.Delivery {
	return amqp.Delivery{Acknowledger: acker, DeliveryTag: tag, MessageId: "msg-" + string(rune('0'+tag)), Body: body}
}

func TestSignalConsumerAcksNacksAndDrops(t *testing.T) {
	ch := &fakeConsumerChannel{deliveries: make(chan amqp.Delivery, 4)}
	consumer := newSignalConsumer(ch, "optimizer.signals", 10, nil)
	acker := &fakeAcker{}

	good, err := json.Marshal(shadow.Signal{AccountID: "acct-1", Symbol: "EURUSD", Direction: "BUY", EntryPrice: 1.08})
	require.NoError(t, err)
	transient, err := json.Marshal(shadow.Signal{AccountID: "acct-1", Symbol: "FAIL", Direction: "BUY", EntryPrice: 1})
	require.NoError(t, err)

	ch.deliveries <- delivery(acker, 1, good)
	ch.deliveries <- delivery(acker, 2, []byte("{not json"))
	ch.deliveries <- delivery(acker, 3, transient)
	close(ch.deliveries)

	var got []shadow.Signal
	err = consumer.Run(context.Background(), func(_ context.Context, sig shadow.Signal) error {
		got = append(got, sig)
		if sig.Symbol == "FAIL" {
			return errors.New("database unavailable")
		}
		return nil
	})
	require.Error(t, err, "closed delivery channel ends the run")

	assert.Equal(t, "optimizer.signals", ch.declared)
	assert.Equal(t, 10, ch.prefetch)
	require.Len(t, got, 2)
	assert.Equal(t, "msg-1", got[0].ID, "message id fills a missing signal id")

	assert.Equal(t, []ackRecord{
		{tag: 1, action: "ack"},
		{tag: 2, action: "reject", requeue: false},
		{tag: 3, action: "nack", requeue: true},
	}, acker.snapshot())
}

func TestSignalConsumerStopsOnCancel(t *testing.T) {
	ch := &fakeConsumerChannel{deliveries: make(chan amqp.Delivery)}
	consumer := newSignalConsumer(ch, "optimizer.signals", 0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx, func(context.Context, shadow.Signal) error { return nil }) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
	require.NoError(t, consumer.Close())
	assert.True(t, ch.closed)
}

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakePublisherChannel struct {
	mu        sync.Mutex
	kind      string
	published []published
	fail      error
}

func (f *fakePublisherChannel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	f.kind = kind
	return nil
}

func (f *fakePublisherChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.published = append(f.published, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (f *fakePublisherChannel) Close() error { return nil }

func TestEventPublisherPublishesJSON(t *testing.T) {
	ch := &fakePublisherChannel{}
	pub, err := newEventPublisher(ch, "optimizer.events", nil)
	require.NoError(t, err)
	assert.Equal(t, amqp.ExchangeFanout, ch.kind)

	event := database.OptimizationEvent{
		ID:        "evt-1",
		AccountID: "acct-1",
		Symbol:    "EURUSD",
		EventType: database.EventSymbolDisabled,
		OldStatus: database.SymbolStatusActive,
		NewStatus: database.SymbolStatusDisabled,
		Reason:    "3 consecutive loss days",
		CreatedAt: time.Date(2024, 3, 20, 0, 0, 5, 0, time.UTC),
	}
	pub.Handle(event)

	require.Len(t, ch.published, 1)
	p := ch.published[0]
	assert.Equal(t, "optimizer.events", p.exchange)
	assert.Equal(t, "symbol_disabled", p.key)
	assert.Equal(t, "evt-1", p.msg.MessageId)
	assert.Equal(t, amqp.Persistent, p.msg.DeliveryMode)

	var decoded database.OptimizationEvent
	require.NoError(t, json.Unmarshal(p.msg.Body, &decoded))
	assert.Equal(t, event.Reason, decoded.Reason)
	assert.Equal(t, database.SymbolStatusDisabled, decoded.NewStatus)
}

func TestEventPublisherSurfacesErrors(t *testing.T) {
	ch := &fakePublisherChannel{fail: amqp.ErrClosed}
	pub, err := newEventPublisher(ch, "optimizer.events", nil)
	require.NoError(t, err)

	err = pub.Publish(context.Background(), database.OptimizationEvent{ID: "evt-2", EventType: database.EventKillSwitchTriggered})
	assert.ErrorIs(t, err, amqp.ErrClosed)
	pub.Handle(database.OptimizationEvent{ID: "evt-3"}) // logged, not panicking
}
