package poller

import (
	"context"
	"fmt"
	"time"

	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/platform"
)

// AccountSyncResult is one account's outcome from a manual sync.
type AccountSyncResult struct {
	AccountID string `json:"account_id"`
	Platform  string `json:"platform"`
	Stored    int    `json:"stored"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
}

// SyncNow polls all of the user's active accounts immediately and returns
// a per-account summary rather than one aggregate result. Each account is
// isolated: one account's failure never aborts the others. The manual poll
// holds the account's poll lock, so it waits out any timer-fired run that
// is still in flight. Every polled account is rescheduled afterwards,
// superseding its pending job so the manual sync does not stack an extra
// poller.
func (s *Scheduler) SyncNow(ctx context.Context, userID string) ([]AccountSyncResult, error) {
	if userID == "" {
		return nil, fmt.Errorf("poller: user id is required")
	}

	var accounts []models.ConnectedAccount
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ?", userID, true).
		Find(&accounts).Error; err != nil {
		return nil, fmt.Errorf("poller: sync now for %s: %w", userID, err)
	}

	results := make([]AccountSyncResult, 0, len(accounts))
	for _, a := range accounts {
		job := Job{AccountID: a.ID, Platform: a.Platform, UserID: a.UserID}
		res := AccountSyncResult{AccountID: a.ID, Platform: a.Platform}

		l := s.accountLock(a.ID)
		l.Lock()
		stored, err := s.fetchAndStore(ctx, job)
		delay := s.interval
		switch {
		case err == nil:
			res.OK = true
			res.Stored = stored
			job.LastPolledAt = time.Now()
		default:
			res.Error = err.Error()
			if retryAfter, ok := platform.IsRateLimit(err); ok {
				delay = retryAfter
			} else {
				delay = s.errorBackoff
			}
		}
		results = append(results, res)

		if !s.push[a.Platform] {
			s.Schedule(job, delay)
		}
		l.Unlock()
	}
	return results, nil
}
