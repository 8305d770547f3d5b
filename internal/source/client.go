package source

import (
	"context"
	"time"

	"pixl/internal/config"
	"pixl/internal/dimse"
	"pixl/internal/logger"
	"pixl/pkg/circuitbreaker"
	pixlerrors "pixl/pkg/errors"
	"pixl/pkg/metrics"
	"pixl/pkg/retry"
)

// Client is the query/retrieve surface of one DICOM source. The raw cache
// is always the C-MOVE destination.
type Client interface {
	Name() string
	Echo(ctx context.Context) error
	FindStudies(ctx context.Context, query dimse.StudyQuery) ([]dimse.StudyResult, error)
	FindInstances(ctx context.Context, studyUID string) ([]dimse.InstanceResult, error)
	MoveStudy(ctx context.Context, studyUID string) (dimse.MoveResult, error)
	MoveInstances(ctx context.Context, studyUID, seriesUID string, sopInstanceUIDs []string) (dimse.MoveResult, error)
}

// DimseClient wraps a DIMSE peer with retries on idempotent operations and
// a per-source circuit breaker. C-MOVE is not idempotent from the cache's
// point of view mid-transfer, so it runs at most once per call; the
// coordinator's missing-instance repair covers partial transfers.
type DimseClient struct {
	name            string
	cfg             config.SourceConfig
	destinationAET  string
	queryTimeout    time.Duration
	transferTimeout time.Duration
	breaker         *circuitbreaker.Wrapper
	logger          logger.Logger
}

func NewDimseClient(name string, cfg config.SourceConfig, destinationAET string, queryTimeout, transferTimeout time.Duration, log logger.Logger) *DimseClient {
	breakerCfg := circuitbreaker.DefaultConfig(name)
	if cfg.BreakerFailures > 0 {
		breakerCfg.ConsecutiveFailures = cfg.BreakerFailures
	}
	return &DimseClient{
		name:            name,
		cfg:             cfg,
		destinationAET:  destinationAET,
		queryTimeout:    queryTimeout,
		transferTimeout: transferTimeout,
		breaker:         circuitbreaker.NewWrapper(breakerCfg),
		logger:          log,
	}
}

func (c *DimseClient) Name() string { return c.name }

func (c *DimseClient) association() *dimse.Association {
	return dimse.NewAssociation(dimse.Config{
		Host:       c.cfg.Host,
		Port:       c.cfg.Port,
		CallingAET: c.cfg.CallingAET,
		CalledAET:  c.cfg.CalledAET,
		Timeout:    c.queryTimeout,
	})
}

func (c *DimseClient) Echo(ctx context.Context) error {
	_, err := c.guarded(ctx, "echo", func() (interface{}, error) {
		assoc := c.association()
		defer assoc.Release()
		return nil, assoc.CEcho(ctx, c.queryTimeout)
	})
	return err
}

func (c *DimseClient) FindStudies(ctx context.Context, query dimse.StudyQuery) ([]dimse.StudyResult, error) {
	var results []dimse.StudyResult
	err := retry.DoWithCallback(ctx, c.queryPolicy(), func() error {
		v, err := c.guarded(ctx, "find", func() (interface{}, error) {
			assoc := c.association()
			defer assoc.Release()
			return assoc.FindStudies(ctx, query, c.queryTimeout)
		})
		if err != nil {
			return err
		}
		results = v.([]dimse.StudyResult)
		return nil
	}, c.onRetry("find"))
	return results, err
}

func (c *DimseClient) FindInstances(ctx context.Context, studyUID string) ([]dimse.InstanceResult, error) {
	var results []dimse.InstanceResult
	err := retry.DoWithCallback(ctx, c.queryPolicy(), func() error {
		v, err := c.guarded(ctx, "find", func() (interface{}, error) {
			assoc := c.association()
			defer assoc.Release()
			return assoc.FindInstances(ctx, studyUID, c.queryTimeout)
		})
		if err != nil {
			return err
		}
		results = v.([]dimse.InstanceResult)
		return nil
	}, c.onRetry("find"))
	return results, err
}

func (c *DimseClient) MoveStudy(ctx context.Context, studyUID string) (dimse.MoveResult, error) {
	start := time.Now()
	v, err := c.guarded(ctx, "move", func() (interface{}, error) {
		assoc := c.association()
		defer assoc.Release()
		return assoc.MoveStudy(ctx, studyUID, c.destinationAET, c.transferTimeout)
	})
	if err != nil {
		if ctx.Err() != nil || isTimeout(err) {
			return dimse.MoveResult{}, pixlerrors.Wrap(pixlerrors.KindTransferTimeout,
				"C-MOVE did not complete", err)
		}
		return dimse.MoveResult{}, err
	}
	metrics.TransferDuration.WithLabelValues(c.name).Observe(time.Since(start).Seconds())
	return v.(dimse.MoveResult), nil
}

func (c *DimseClient) MoveInstances(ctx context.Context, studyUID, seriesUID string, sopInstanceUIDs []string) (dimse.MoveResult, error) {
	v, err := c.guarded(ctx, "move", func() (interface{}, error) {
		assoc := c.association()
		defer assoc.Release()
		return assoc.MoveInstances(ctx, studyUID, seriesUID, sopInstanceUIDs, c.destinationAET, c.transferTimeout)
	})
	if err != nil {
		return dimse.MoveResult{}, err
	}
	return v.(dimse.MoveResult), nil
}

// guarded runs fn behind the circuit breaker and records metrics. An open
// circuit maps to the CircuitOpen kind so the scheduler fails fast and
// routes to the secondary queue.
func (c *DimseClient) guarded(ctx context.Context, operation string, fn func() (interface{}, error)) (interface{}, error) {
	v, err := c.breaker.Execute(ctx, fn)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.SourceRequestsTotal.WithLabelValues(c.name, operation, status).Inc()
	if circuitbreaker.IsBreakerOpen(err) {
		return nil, pixlerrors.Newf(pixlerrors.KindCircuitOpen, "circuit open for source %s", c.name)
	}
	return v, err
}

func (c *DimseClient) queryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2.0,
	}
}

func (c *DimseClient) onRetry(operation string) func(int, error, time.Duration) {
	return func(attempt int, err error, next time.Duration) {
		metrics.RetryAttemptsTotal.WithLabelValues(c.name + "_" + operation).Inc()
		c.logger.Warnw("Retrying DIMSE operation",
			"source", c.name,
			"operation", operation,
			"attempt", attempt,
			"next_delay", next,
			"error", err,
		)
	}
}

func isTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	if te, ok := err.(timeout); ok {
		return te.Timeout()
	}
	return false
}
