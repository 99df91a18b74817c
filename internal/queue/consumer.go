// Package queue consumes report generation jobs from a JetStream work queue.
// Delivery is at-least-once; the runner's lock and state checks turn that
// into at-most-one execution, and the consumer's ack decisions keep the two
// layers agreeing about what a redelivery means.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/civicsense/reportgen/internal/lock"
	"github.com/civicsense/reportgen/internal/model"
	"github.com/civicsense/reportgen/internal/pipeline"
	"github.com/civicsense/reportgen/internal/resilience"
)

// JobRunner executes one report generation job.
type JobRunner interface {
	Run(ctx context.Context, job *model.Job) (*model.PipelineState, error)
}

// Config describes the stream and durable consumer to attach to.
type Config struct {
	URL          string
	Stream       string
	Subject      string
	ConsumerName string
	MaxDeliver   int
	AckWait      time.Duration
}

// Consumer pulls jobs off the durable consumer and feeds them to the runner
// one at a time. Parallelism comes from running more worker processes, each
// attached to the same durable.
type Consumer struct {
	cfg    Config
	runner JobRunner
	nc     *nats.Conn
	js     jetstream.JetStream
}

// NewConsumer creates a Consumer; Start establishes the connection.
func NewConsumer(cfg Config, runner JobRunner) *Consumer {
	if cfg.MaxDeliver <= 0 {
		cfg.MaxDeliver = 5
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 2 * time.Minute
	}
	return &Consumer{cfg: cfg, runner: runner}
}

// Start connects, ensures the stream and durable consumer exist, and blocks
// consuming jobs until the context is canceled.
func (c *Consumer) Start(ctx context.Context) error {
	nc, err := nats.Connect(c.cfg.URL,
		nats.Name("reportgen-worker"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return eris.Wrapf(err, "queue: connect %s", c.cfg.URL)
	}
	c.nc = nc
	defer nc.Drain() //nolint:errcheck

	js, err := jetstream.New(nc)
	if err != nil {
		return eris.Wrap(err, "queue: jetstream context")
	}
	c.js = js

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      c.cfg.Stream,
		Subjects:  []string{c.cfg.Subject},
		Retention: jetstream.WorkQueuePolicy,
	})
	if err != nil {
		return eris.Wrapf(err, "queue: ensure stream %s", c.cfg.Stream)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       c.cfg.ConsumerName,
		FilterSubject: c.cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       c.cfg.AckWait,
		MaxDeliver:    c.cfg.MaxDeliver,
	})
	if err != nil {
		return eris.Wrapf(err, "queue: ensure consumer %s", c.cfg.ConsumerName)
	}

	zap.L().Info("queue consumer started",
		zap.String("stream", c.cfg.Stream),
		zap.String("subject", c.cfg.Subject),
		zap.String("consumer", c.cfg.ConsumerName),
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		batch, err := consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			zap.L().Debug("queue fetch", zap.Error(err))
			continue
		}
		for msg := range batch.Messages() {
			c.handleMessage(ctx, msg)
		}
		if bErr := batch.Error(); bErr != nil && !eris.Is(bErr, context.DeadlineExceeded) {
			zap.L().Warn("queue fetch error", zap.Error(bErr))
		}
	}
}

// handleMessage decodes one job, runs it, and applies the ack decision. A
// heartbeat keeps the message in progress while the pipeline runs longer
// than the ack wait.
func (c *Consumer) handleMessage(ctx context.Context, msg jetstream.Msg) {
	var job model.Job
	if err := json.Unmarshal(msg.Data(), &job); err != nil {
		zap.L().Error("dropping undecodable job", zap.Error(err))
		c.term(msg)
		return
	}
	log := zap.L().With(zap.String("report_id", job.ReportID))

	stopHeartbeat := c.startHeartbeat(ctx, msg, log)
	_, runErr := c.runner.Run(ctx, &job)
	stopHeartbeat()

	switch Decide(runErr) {
	case AckDone:
		if runErr != nil {
			log.Info("job dropped, report is handled elsewhere", zap.Error(runErr))
		}
		if err := msg.Ack(); err != nil {
			log.Warn("ack failed", zap.Error(err))
		}
	case AckTerminate:
		log.Error("job failed fatally, terminating delivery", zap.Error(runErr))
		c.term(msg)
	case AckRetry:
		var delivered uint64 = 1
		if meta, err := msg.Metadata(); err == nil {
			delivered = meta.NumDelivered
		}
		delay := RetryDelay(delivered)
		log.Warn("job failed, scheduling redelivery",
			zap.Duration("delay", delay),
			zap.Error(runErr),
		)
		if err := msg.NakWithDelay(delay); err != nil {
			log.Warn("nak failed", zap.Error(err))
		}
	}
}

func (c *Consumer) startHeartbeat(ctx context.Context, msg jetstream.Msg, log *zap.Logger) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(c.cfg.AckWait / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := msg.InProgress(); err != nil {
					log.Warn("in-progress heartbeat failed", zap.Error(err))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (c *Consumer) term(msg jetstream.Msg) {
	if err := msg.Term(); err != nil {
		zap.L().Warn("term failed", zap.Error(err))
	}
}

// AckDecision says what to do with a delivery after a run attempt.
type AckDecision int

const (
	// AckDone acknowledges the delivery: the report is completed, being
	// handled by another live runner, or was just generated.
	AckDone AckDecision = iota
	// AckRetry schedules a redelivery after a transient failure.
	AckRetry
	// AckTerminate stops redelivery: the job can never succeed.
	AckTerminate
)

// Decide maps a run outcome to an ack decision. Lock contention and live
// running states are expected effects of duplicate delivery and are
// acknowledged silently; fatal pipeline failures are terminated so the queue
// does not grind against a job that cannot succeed.
func Decide(err error) AckDecision {
	switch {
	case err == nil:
		return AckDone
	case eris.Is(err, lock.ErrAlreadyHeld), eris.Is(err, pipeline.ErrNotResumable):
		return AckDone
	case resilience.IsFatal(err):
		return AckTerminate
	default:
		return AckRetry
	}
}

// RetryDelay backs off redelivery by delivery count: 30s, 60s, 120s, capped
// at 5m.
func RetryDelay(numDelivered uint64) time.Duration {
	delay := 30 * time.Second
	for i := uint64(1); i < numDelivered && delay < 5*time.Minute; i++ {
		delay *= 2
	}
	if delay > 5*time.Minute {
		delay = 5 * time.Minute
	}
	return delay
}
