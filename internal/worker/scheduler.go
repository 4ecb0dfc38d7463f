package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/notifyhub/mailpipe/internal/domain"
)

// Trigger is what the scheduler fires on every tick.
type Trigger interface {
	EnsureListening(ctx context.Context) error
}

// DeliveryScheduler periodically makes sure the consumer is listening, so a
// subscription lost to a broker restart is picked up again without an
// operator. Ticks never overlap; a slow tick pushes the next one back.
type DeliveryScheduler struct {
	scheduler gocron.Scheduler
	trigger   Trigger
	schedule  string
	logger    *zap.Logger
}

// NewDeliveryScheduler accepts either a Go duration ("5s") or a six-field
// cron expression with seconds ("*/5 * * * * *").
func NewDeliveryScheduler(trigger Trigger, schedule string, logger *zap.Logger) (*DeliveryScheduler, error) {
	def, err := jobDefinition(schedule)
	if err != nil {
		return nil, err
	}

	s, err := gocron.NewScheduler(
		gocron.WithLogger(gocronLogger{logger.Sugar()}),
		gocron.WithStopTimeout(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	ds := &DeliveryScheduler{scheduler: s, trigger: trigger, schedule: schedule, logger: logger}

	_, err = s.NewJob(def,
		gocron.NewTask(ds.tick),
		gocron.WithName("ensure-listening"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("register job: %w", err)
	}
	return ds, nil
}

func (ds *DeliveryScheduler) Start() {
	ds.logger.Info("delivery scheduler started", zap.String("schedule", ds.schedule))
	ds.scheduler.Start()
}

// Shutdown stops future ticks and waits for a running tick to return.
func (ds *DeliveryScheduler) Shutdown() error {
	ds.logger.Info("delivery scheduler stopping")
	return ds.scheduler.Shutdown()
}

func (ds *DeliveryScheduler) tick(ctx context.Context) {
	err := ds.trigger.EnsureListening(ctx)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrConsumerClosed):
		ds.logger.Debug("consumer closed, skipping tick")
	default:
		ds.logger.Error("ensure listening failed", zap.Error(err))
	}
}

func jobDefinition(schedule string) (gocron.JobDefinition, error) {
	schedule = strings.TrimSpace(schedule)
	if d, err := time.ParseDuration(schedule); err == nil {
		if d <= 0 {
			return nil, fmt.Errorf("schedule interval must be positive, got %s", d)
		}
		return gocron.DurationJob(d), nil
	}
	if len(strings.Fields(schedule)) == 6 {
		return gocron.CronJob(schedule, true), nil
	}
	return nil, fmt.Errorf("invalid schedule %q: want a duration or a cron expression with seconds", schedule)
}

// gocronLogger routes scheduler internals through zap.
type gocronLogger struct {
	s *zap.SugaredLogger
}

func (l gocronLogger) Debug(msg string, args ...any) { l.s.Debugw(msg, args...) }
func (l gocronLogger) Error(msg string, args ...any) { l.s.Errorw(msg, args...) }
func (l gocronLogger) Info(msg string, args ...any)  { l.s.Infow(msg, args...) }
func (l gocronLogger) Warn(msg string, args ...any)  { l.s.Warnw(msg, args...) }
