package kafka

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ariefcatur/micro-oms/internal/logging"
)

const writeTimeout = 10 * time.Second

// Producer buffers messages in an inbox drained by a single goroutine. The
// topic is taken from each message.
type Producer struct {
	w      *kafka.Writer
	inbox  chan kafka.Message
	stop   chan struct{}
	done   chan struct{}
	logger *zap.Logger

	started  atomic.Bool
	stopOnce sync.Once
}

func NewProducer(brokers []string, buf int, logger *zap.Logger) *Producer {
	if buf <= 0 {
		buf = 1024
	}
	logger = logging.OrNop(logger).Named("producer")
	return &Producer{
		w: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
			Async:                  true,
			Completion: func(msgs []kafka.Message, err error) {
				if err != nil {
					logger.Error("kafka write failed", zap.Int("messages", len(msgs)), zap.Error(err))
				}
			},
		},
		inbox:  make(chan kafka.Message, buf),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Start runs the delivery loop until ctx ends or Close is called.
func (p *Producer) Start(ctx context.Context) {
	if p.started.CompareAndSwap(false, true) {
		go p.loop(ctx)
	}
}

func (p *Producer) loop(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			p.flush()
			return
		case <-p.stop:
			p.flush()
			return
		case m := <-p.inbox:
			p.write(m)
		}
	}
}

func (p *Producer) flush() {
	for {
		select {
		case m := <-p.inbox:
			p.write(m)
		default:
			if err := p.w.Close(); err != nil {
				p.logger.Error("close kafka writer", zap.Error(err))
			}
			return
		}
	}
}

func (p *Producer) write(m kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := p.w.WriteMessages(ctx, m); err != nil {
		p.logger.Error("kafka enqueue failed", zap.String("topic", m.Topic), zap.Error(err))
	}
}

// Publish never blocks; a full inbox or a stopped producer drops the message.
func (p *Producer) Publish(m kafka.Message) bool {
	if m.Time.IsZero() {
		m.Time = time.Now()
	}
	select {
	case <-p.stop:
		return false
	default:
	}
	select {
	case p.inbox <- m:
		return true
	default:
		return false
	}
}

// Close stops the loop, flushes what is buffered and waits for the writer to close.
func (p *Producer) Close() {
	p.stopOnce.Do(func() { close(p.stop) })
	if p.started.Load() {
		<-p.done
	}
}
