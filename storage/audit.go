package storage

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"boardsync-api/domain"
)

// MutationEvent is the audit record emitted after every create, update,
// move or delete the router handles successfully, including an update or
// move whose changes were fully rejected (Resolution REJECTED, no write).
type MutationEvent struct {
	TaskID     string            `json:"taskId"`
	ClientID   string            `json:"clientId"`
	Type       string            `json:"type"`
	Resolution domain.Resolution `json:"resolution,omitempty"`
	OccurredAt time.Time         `json:"occurredAt"`
}

// RebalanceEvent is the audit record emitted after a column rebalance.
type RebalanceEvent struct {
	ColumnID   domain.ColumnID `json:"columnId"`
	TaskCount  int             `json:"taskCount"`
	OccurredAt time.Time       `json:"occurredAt"`
}

type auditJob struct {
	mutation  *MutationEvent
	rebalance *RebalanceEvent
	attempt   int
	lastErr   string
}

// AuditPublisherConfig tunes the background publisher. Unlike the
// command outbox this is derived from, there is no WAL: a lost audit
// event is acceptable, since the audit trail is best-effort and never
// authoritative for task state.
type AuditPublisherConfig struct {
	BufferSize    int
	WorkerCount   int
	RetryInitial  time.Duration
	RetryMax      time.Duration
	EnqueueTimeout time.Duration
}

func defaultAuditConfig() AuditPublisherConfig {
	return AuditPublisherConfig{
		BufferSize:     1024,
		WorkerCount:    4,
		RetryInitial:   250 * time.Millisecond,
		RetryMax:       30 * time.Second,
		EnqueueTimeout: 10 * time.Second,
	}
}

// queueSender is the subset of *azqueue.QueueClient the publisher uses,
// narrowed to an interface so tests can substitute a fake.
type queueSender interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// tableSender is the subset of *aztables.Client the publisher uses.
type tableSender interface {
	AddEntity(ctx context.Context, entity []byte, o *aztables.AddEntityOptions) (aztables.AddEntityResponse, error)
}

// AuditPublisher ships best-effort mutation and rebalance events to
// Azure Queue Storage and Azure Table Storage respectively, off the
// request path, retrying transient failures with jittered backoff and
// dropping events only when the buffer itself is saturated.
type AuditPublisher struct {
	cfg   AuditPublisherConfig
	queue queueSender
	table tableSender

	workCh  chan *auditJob
	stopCh  chan struct{}
	workers sync.WaitGroup
	retries sync.WaitGroup

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewAuditPublisher creates an AuditPublisher from an Azure Storage
// connection string, naming the queue and table to publish to.
func NewAuditPublisher(connStr, queueName, tableName string, cfg AuditPublisherConfig) (*AuditPublisher, error) {
	queueOpts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: 15 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	queue, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, &queueOpts)
	if err != nil {
		return nil, err
	}

	tableOpts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: 15 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tableOpts)
	if err != nil {
		return nil, err
	}

	return newAuditPublisher(queue, svc.NewClient(tableName), cfg), nil
}

func newAuditPublisher(queue queueSender, table tableSender, cfg AuditPublisherConfig) *AuditPublisher {
	if cfg.WorkerCount <= 0 {
		cfg = defaultAuditConfig()
	}
	p := &AuditPublisher{
		cfg:    cfg,
		queue:  queue,
		table:  table,
		workCh: make(chan *auditJob, cfg.BufferSize),
		stopCh: make(chan struct{}),
	}
	p.start()
	return p
}

func (p *AuditPublisher) start() {
	for i := 0; i < p.cfg.WorkerCount; i++ {
		p.workers.Add(1)
		go p.worker()
	}
}

// Shutdown stops accepting new work and waits for in-flight jobs and
// scheduled retries to finish.
func (p *AuditPublisher) Shutdown() {
	close(p.stopCh)
	close(p.workCh)
	p.workers.Wait()
	p.retries.Wait()
}

// PublishMutation enqueues a mutation event for async delivery. It
// never blocks the caller on network I/O: if the buffer is full the
// event is dropped and counted.
func (p *AuditPublisher) PublishMutation(ev MutationEvent) {
	if p == nil {
		return
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	p.submit(&auditJob{mutation: &ev})
}

// PublishRebalance enqueues a rebalance event for async delivery.
func (p *AuditPublisher) PublishRebalance(ev RebalanceEvent) {
	if p == nil {
		return
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	p.submit(&auditJob{rebalance: &ev})
}

func (p *AuditPublisher) submit(job *auditJob) {
	select {
	case p.workCh <- job:
	default:
		p.dropped.Add(1)
		logrus.WithField("observability.event", "audit.dropped").Warn("audit publisher buffer full, dropping event")
	}
}

func (p *AuditPublisher) worker() {
	defer p.workers.Done()
	for job := range p.workCh {
		if err := p.deliver(job); err != nil {
			job.attempt++
			job.lastErr = err.Error()
			logrus.WithError(err).WithField("attempt", job.attempt).Warn("audit event delivery failed, scheduling retry")
			p.scheduleRetry(job)
			continue
		}
		p.published.Add(1)
	}
}

func (p *AuditPublisher) scheduleRetry(job *auditJob) {
	delay := exponentialBackoff(job.attempt, p.cfg.RetryInitial, p.cfg.RetryMax)
	p.retries.Add(1)
	timer := time.NewTimer(delay)
	go func() {
		defer p.retries.Done()
		defer timer.Stop()
		select {
		case <-timer.C:
			select {
			case p.workCh <- job:
			case <-p.stopCh:
			}
		case <-p.stopCh:
		}
	}()
}

func (p *AuditPublisher) deliver(job *auditJob) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.EnqueueTimeout)
	defer cancel()

	switch {
	case job.mutation != nil:
		data, err := json.Marshal(job.mutation)
		if err != nil {
			return err
		}
		_, err = p.queue.EnqueueMessage(ctx, string(data), nil)
		return err
	case job.rebalance != nil:
		ent := rebalanceEntity{
			Entity: aztables.Entity{
				PartitionKey: string(job.rebalance.ColumnID),
				RowKey:       uuid.NewString(),
			},
			TaskCount:  job.rebalance.TaskCount,
			OccurredAt: job.rebalance.OccurredAt.UnixMilli(),
		}
		data, err := json.Marshal(ent)
		if err != nil {
			return err
		}
		_, err = p.table.AddEntity(ctx, data, nil)
		return err
	default:
		return errors.New("empty audit job")
	}
}

type rebalanceEntity struct {
	aztables.Entity
	TaskCount  int   `json:"TaskCount"`
	OccurredAt int64 `json:"OccurredAt"`
}

func exponentialBackoff(attempt int, initial, max time.Duration) time.Duration {
	if attempt <= 0 {
		if initial <= 0 {
			return time.Second
		}
		return initial
	}
	if initial <= 0 {
		initial = time.Second
	}
	if max <= 0 {
		max = 10 * time.Second
	}
	backoff := float64(initial) * math.Pow(2, float64(attempt-1))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	jitter := 0.2 * backoff
	return time.Duration(backoff + (rand.Float64()-0.5)*2*jitter)
}
