// Package executor wraps every outbound platform call with rate-limit
// admission, retry on transient failures, and usage accounting.
package executor

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/platform"
	"gorm.io/gorm"
)

const (
	// maxAttempts is the total number of tries for a retryable failure.
	maxAttempts = 3
	// defaultBaseDelay is the first backoff delay; it doubles per attempt.
	defaultBaseDelay = time.Second
)

// Limiter admits or denies a platform call for an account.
type Limiter interface {
	Allow(ctx context.Context, accountID, platform string) (retryAfter time.Duration, ok bool)
}

// Executor runs adapter calls under the admission and retry policy.
type Executor struct {
	limiter   Limiter
	db        *gorm.DB
	baseDelay time.Duration
}

// Opts holds parameters for creating an Executor.
type Opts struct {
	Limiter   Limiter
	DB        *gorm.DB      // usage log target; optional
	BaseDelay time.Duration // first backoff delay; defaults to 1s
}

// New creates an Executor.
func New(opts Opts) (*Executor, error) {
	if opts.Limiter == nil {
		return nil, fmt.Errorf("executor: limiter is required")
	}
	base := opts.BaseDelay
	if base <= 0 {
		base = defaultBaseDelay
	}
	return &Executor{limiter: opts.Limiter, db: opts.DB, baseDelay: base}, nil
}

// Do runs fn under the policy: consult the limiter first (a denial is
// surfaced as a RateLimitError without calling fn), retry transient
// failures up to 3 attempts with exponential backoff, and record one
// usage-log row on success. Rate-limit conditions from the platform are
// never retried inline; the caller's scheduler owns that delay.
func (e *Executor) Do(ctx context.Context, accountID, platformName, operation string, fn func(ctx context.Context) error) error {
	if retryAfter, ok := e.limiter.Allow(ctx, accountID, platformName); !ok {
		return &platform.RateLimitError{Platform: platformName, RetryAfter: retryAfter}
	}

	delay := e.baseDelay
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			e.recordUsage(ctx, accountID, platformName, operation)
			return nil
		}
		if !platform.IsRetryable(err) {
			return err
		}
		if attempt == maxAttempts {
			break
		}
		log.Printf("executor: %s %s attempt %d failed, retrying in %s: %v",
			platformName, operation, attempt, delay, err)
		if serr := sleep(ctx, delay); serr != nil {
			return serr
		}
		delay *= 2
	}
	return fmt.Errorf("executor: %s %s failed after %d attempts: %w", platformName, operation, maxAttempts, err)
}

// recordUsage appends one audit row per successful platform call. Usage
// accounting never fails the call it records.
func (e *Executor) recordUsage(ctx context.Context, accountID, platformName, operation string) {
	if e.db == nil {
		return
	}
	row := models.UsageLog{AccountID: accountID, Platform: platformName, Operation: operation}
	if err := e.db.WithContext(ctx).Create(&row).Error; err != nil {
		log.Printf("executor: usage log write failed: %v", err)
	}
}

// sleep waits for d or until ctx is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
