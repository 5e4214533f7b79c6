package messaging

import (
	"context"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type declaredQueue struct {
	name string
	args amqp.Table
}

type binding struct {
	queue, key, exchange string
}

type publishedMessage struct {
	exchange, key string
	msg           amqp.Publishing
}

type fakeChannel struct {
	mu         sync.Mutex
	exchanges  []string
	queues     []declaredQueue
	bindings   []binding
	prefetch   int
	confirming bool
	published  []publishedMessage
	confirms   chan amqp.Confirmation
	deliveries map[string]chan amqp.Delivery
	closed     bool

	publishErr error
	// acks answers each publish in order; missing entries ack.
	acks     []bool
	noAnswer bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{deliveries: make(map[string]chan amqp.Delivery)}
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchanges = append(f.exchanges, name+"/"+kind)
	return nil
}

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues = append(f.queues, declaredQueue{name: name, args: args})
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bindings = append(f.bindings, binding{name, key, exchange})
	return nil
}

func (f *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	f.prefetch = prefetchCount
	return nil
}

func (f *fakeChannel) Confirm(noWait bool) error {
	f.confirming = true
	return nil
}

func (f *fakeChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	f.confirms = confirm
	return confirm
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, publishedMessage{exchange, key, msg})
	if f.confirming && !f.noAnswer {
		ack := true
		if n := len(f.published); n <= len(f.acks) {
			ack = f.acks[n-1]
		}
		f.confirms <- amqp.Confirmation{DeliveryTag: uint64(len(f.published)), Ack: ack}
	}
	return nil
}

func (f *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.deliveries[queue]
	if !ok {
		ch = make(chan amqp.Delivery, 8)
		f.deliveries[queue] = ch
	}
	return ch, nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeChannel) publishedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

type fakeConnection struct {
	ch      *fakeChannel
	mu      sync.Mutex
	notify  chan *amqp.Error
	closed  bool
	chanErr error
}

func (c *fakeConnection) Channel() (Channel, error) {
	if c.chanErr != nil {
		return nil, c.chanErr
	}
	return c.ch, nil
}

func (c *fakeConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = receiver
	return receiver
}

func (c *fakeConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed && c.notify != nil {
		close(c.notify)
	}
	c.closed = true
	return nil
}

// drop simulates the broker closing the connection.
func (c *fakeConnection) drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.notify != nil && !c.closed {
		c.notify <- &amqp.Error{Code: 320, Reason: "CONNECTION_FORCED"}
	}
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConnection
	errs  []error
	calls int
}

func (d *fakeDialer) dial() (Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(d.conns) == 0 {
		return nil, errors.New("no connection available")
	}
	conn := d.conns[0]
	if len(d.conns) > 1 {
		d.conns = d.conns[1:]
	}
	return conn, nil
}

func (d *fakeDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type ackRecord struct {
	ack     bool
	requeue bool
}

type fakeAcknowledger struct {
	mu      sync.Mutex
	records []ackRecord
	done    chan struct{}
}

func newFakeAcknowledger() *fakeAcknowledger {
	return &fakeAcknowledger{done: make(chan struct{}, 16)}
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.record(ackRecord{ack: true})
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.record(ackRecord{requeue: requeue})
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	a.record(ackRecord{requeue: requeue})
	return nil
}

func (a *fakeAcknowledger) record(r ackRecord) {
	a.mu.Lock()
	a.records = append(a.records, r)
	a.mu.Unlock()
	a.done <- struct{}{}
}

func (a *fakeAcknowledger) last() ackRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.records[len(a.records)-1]
}

type countingSink struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *countingSink) Inc(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = make(map[string]int)
	}
	c.counts[name]++
}

func (c *countingSink) get(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[name]
}

func noSleep(context.Context, time.Duration) error { return nil }
