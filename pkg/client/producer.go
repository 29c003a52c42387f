// =============================================================================
// TAKHIN HIGH-LEVEL PRODUCER
// =============================================================================
//
// A convenience wrapper over the low-level client for applications that just
// want to send records. It adds:
//   - Per-producer defaults (acks, compression) applied to every send
//   - Fire-and-forget async sends with a bounded queue and callback
//   - Flush for graceful shutdown
//
// USAGE:
//
//	p, err := client.NewProducer(client.DefaultProducerConfig("http://localhost:8080"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer p.Close()
//
//	res, err := p.Send(ctx, "orders", `{"id": 123}`)
//
// =============================================================================

package client

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ProducerConfig holds producer settings on top of the client Config.
type ProducerConfig struct {
	Config

	// Acks is the default acknowledgement level for every send:
	// "none", "leader" (default), or "all".
	Acks string

	// Compression is the default value codec for every send.
	Compression string

	// MaxPending bounds the async send queue. SendAsync fails fast once the
	// queue is full rather than blocking the caller.
	MaxPending int
}

// DefaultProducerConfig returns producer defaults for the given address.
func DefaultProducerConfig(baseURL string) ProducerConfig {
	return ProducerConfig{
		Config:     DefaultConfig(baseURL),
		Acks:       "leader",
		MaxPending: 1024,
	}
}

// Producer sends records to topics. It is safe for concurrent use.
type Producer struct {
	client *Client
	cfg    ProducerConfig

	mu     sync.Mutex
	closed bool

	asyncCh chan asyncSend
	wg      sync.WaitGroup
}

type asyncSend struct {
	topic    string
	value    string
	opts     []ProduceOption
	callback func(*ProduceResult, error)
}

// ErrProducerClosed is returned by sends after Close.
var ErrProducerClosed = errors.New("takhin: producer is closed")

// ErrQueueFull is returned by SendAsync when MaxPending sends are in flight.
var ErrQueueFull = errors.New("takhin: async send queue is full")

// NewProducer creates a producer and starts its async worker.
func NewProducer(cfg ProducerConfig) (*Producer, error) {
	c, err := New(cfg.Config)
	if err != nil {
		return nil, err
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 1024
	}
	p := &Producer{
		client:  c,
		cfg:     cfg,
		asyncCh: make(chan asyncSend, cfg.MaxPending),
	}
	p.wg.Add(1)
	go p.asyncWorker()
	return p, nil
}

// Send appends one record and waits for the broker's placement.
func (p *Producer) Send(ctx context.Context, topic, value string, opts ...ProduceOption) (*ProduceResult, error) {
	if p.isClosed() {
		return nil, ErrProducerClosed
	}
	return p.client.Produce(ctx, topic, value, p.withDefaults(opts)...)
}

// SendWithKey appends one keyed record; equal keys land on the same partition.
func (p *Producer) SendWithKey(ctx context.Context, topic, key, value string, opts ...ProduceOption) (*ProduceResult, error) {
	return p.Send(ctx, topic, value, append([]ProduceOption{WithKey(key)}, opts...)...)
}

// SendAsync queues a record for delivery by the background worker. The
// callback, if non-nil, runs on the worker goroutine when the send resolves.
func (p *Producer) SendAsync(topic, value string, callback func(*ProduceResult, error), opts ...ProduceOption) error {
	if p.isClosed() {
		return ErrProducerClosed
	}
	select {
	case p.asyncCh <- asyncSend{topic: topic, value: value, opts: opts, callback: callback}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Flush blocks until every queued async send has been attempted or the
// context expires.
func (p *Producer) Flush(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if len(p.asyncCh) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Pending returns the number of queued async sends.
func (p *Producer) Pending() int {
	return len(p.asyncCh)
}

// Close drains the async queue and releases the underlying client.
func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.asyncCh)
	p.wg.Wait()
	return p.client.Close()
}

func (p *Producer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Producer) withDefaults(opts []ProduceOption) []ProduceOption {
	var defaults []ProduceOption
	if p.cfg.Acks != "" {
		defaults = append(defaults, WithAcks(p.cfg.Acks))
	}
	if p.cfg.Compression != "" {
		defaults = append(defaults, WithCompression(p.cfg.Compression))
	}
	// Caller options come last so they win over producer defaults.
	return append(defaults, opts...)
}

func (p *Producer) asyncWorker() {
	defer p.wg.Done()
	for msg := range p.asyncCh {
		res, err := p.client.Produce(context.Background(), msg.topic, msg.value, p.withDefaults(msg.opts)...)
		if msg.callback != nil {
			msg.callback(res, err)
		}
	}
}
