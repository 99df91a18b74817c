package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rotisserie/eris"
)

// Publisher submits report generation jobs to the work queue.
type Publisher struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	subject string
}

// NewPublisher connects and ensures the stream exists.
func NewPublisher(ctx context.Context, cfg Config) (*Publisher, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name("reportgen-publisher"))
	if err != nil {
		return nil, eris.Wrapf(err, "queue: connect %s", cfg.URL)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, eris.Wrap(err, "queue: jetstream context")
	}
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       cfg.Stream,
		Subjects:   []string{cfg.Subject},
		Retention:  jetstream.WorkQueuePolicy,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		nc.Close()
		return nil, eris.Wrapf(err, "queue: ensure stream %s", cfg.Stream)
	}
	return &Publisher{nc: nc, js: js, subject: cfg.Subject}, nil
}

// Submit enqueues one job. The report ID doubles as the message ID so rapid
// double submissions collapse inside the dedupe window; later duplicates are
// handled by the lock layer instead.
func (p *Publisher) Submit(ctx context.Context, job []byte, reportID string) error {
	if !json.Valid(job) {
		return eris.New("queue: job payload is not valid JSON")
	}
	_, err := p.js.Publish(ctx, p.subject, job, jetstream.WithMsgID(reportID))
	if err != nil {
		return eris.Wrapf(err, "queue: publish %s", reportID)
	}
	return nil
}

// Close drains the connection.
func (p *Publisher) Close() {
	p.nc.Drain() //nolint:errcheck
}
