package worker

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const tickLeaseKey = "crmflow:sequence-tick-lease"

// SequenceWorker runs the processor on a cron schedule. When a Redis client
// is configured, a short-lived lease keeps overlapping invocations (or a
// second replica) from processing the same tick.
type SequenceWorker struct {
	processor  *SequenceProcessor
	rdb        *redis.Client
	logger     *logrus.Entry
	cronSpec   string
	batchLimit int
	leaseTTL   time.Duration
}

func NewSequenceWorker(processor *SequenceProcessor, rdb *redis.Client, logger *logrus.Logger, cronSpec string, batchLimit int) *SequenceWorker {
	return &SequenceWorker{
		processor:  processor,
		rdb:        rdb,
		logger:     logger.WithField("component", "sequence_worker"),
		cronSpec:   cronSpec,
		batchLimit: batchLimit,
		leaseTTL:   4 * time.Minute,
	}
}

// Start registers the cron entry and blocks until the context is cancelled.
func (sw *SequenceWorker) Start(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(sw.cronSpec, func() { sw.RunTick(ctx) }); err != nil {
		return err
	}

	sw.logger.WithField("cron", sw.cronSpec).Info("sequence worker started")
	c.Start()

	<-ctx.Done()
	sw.logger.Info("sequence worker shutting down...")
	stopCtx := c.Stop()
	<-stopCtx.Done()
	return nil
}

// RunTick executes one processing pass. Also called directly by the HTTP
// job trigger.
func (sw *SequenceWorker) RunTick(ctx context.Context) {
	if sw.rdb != nil {
		holder := uuid.New().String()
		ok, err := sw.rdb.SetNX(ctx, tickLeaseKey, holder, sw.leaseTTL).Result()
		if err != nil {
			sw.logger.WithError(err).Warn("tick lease check failed, skipping tick")
			return
		}
		if !ok {
			sw.logger.Debug("another invocation holds the tick lease")
			return
		}
		defer sw.releaseLease(ctx, holder)
	}

	result, err := sw.processor.ProcessDueEnrollments(ctx, sw.batchLimit)
	if err != nil {
		sw.logger.WithError(err).Error("sequence tick failed")
		sentry.CaptureException(err)
		return
	}

	sw.logger.WithFields(logrus.Fields{
		"processed": result.Processed,
		"sent":      result.Sent,
		"completed": result.Completed,
		"errors":    result.Errors,
	}).Info("sequence tick finished")
}

func (sw *SequenceWorker) releaseLease(ctx context.Context, holder string) {
	// Only the holder may release; a stale lease simply expires.
	current, err := sw.rdb.Get(ctx, tickLeaseKey).Result()
	if err == nil && current == holder {
		if err := sw.rdb.Del(ctx, tickLeaseKey).Err(); err != nil {
			sw.logger.WithError(err).Warn("failed to release tick lease")
		}
	}
}
