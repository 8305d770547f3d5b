package health

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

type Checker interface {
	Check(ctx context.Context) error
	Name() string
}

type Health struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

type CheckResult struct {
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type CheckerRegistry struct {
	checkers []Checker
}

func NewCheckerRegistry() *CheckerRegistry {
	return &CheckerRegistry{checkers: make([]Checker, 0)}
}

func (r *CheckerRegistry) Register(checker Checker) {
	r.checkers = append(r.checkers, checker)
}

func (r *CheckerRegistry) Check(ctx context.Context) Health {
	results := make(map[string]CheckResult)
	overall := StatusHealthy

	for _, checker := range r.checkers {
		err := checker.Check(ctx)
		result := CheckResult{Timestamp: time.Now(), Status: StatusHealthy}
		if err != nil {
			result.Status = StatusUnhealthy
			result.Message = err.Error()
			overall = StatusUnhealthy
		}
		results[checker.Name()] = result
	}

	return Health{Status: overall, Timestamp: time.Now(), Checks: results}
}

type PostgreSQLChecker struct {
	db *sql.DB
}

func NewPostgreSQLChecker(db *sql.DB) *PostgreSQLChecker {
	return &PostgreSQLChecker{db: db}
}

func (c *PostgreSQLChecker) Name() string { return "postgresql" }

func (c *PostgreSQLChecker) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.db.PingContext(ctx)
}

// BrokerChecker probes broker liveness via the adapter's own check.
type BrokerChecker struct {
	check func() error
}

func NewBrokerChecker(check func() error) *BrokerChecker {
	return &BrokerChecker{check: check}
}

func (c *BrokerChecker) Name() string { return "broker" }

func (c *BrokerChecker) Check(_ context.Context) error {
	return c.check()
}

// HTTPChecker probes a dependency over HTTP, e.g. the raw cache's REST API.
type HTTPChecker struct {
	name   string
	url    string
	client *http.Client
}

func NewHTTPChecker(name, url string) *HTTPChecker {
	return &HTTPChecker{
		name:   name,
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *HTTPChecker) Name() string { return c.name }

func (c *HTTPChecker) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned status %d", c.url, resp.StatusCode)
	}
	return nil
}
