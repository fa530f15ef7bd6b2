// Package account manages connected platform accounts and their sealed
// credentials.
package account

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/poller"
	"github.com/zulandar/switchboard/internal/secrets"
	"golang.org/x/oauth2"
	"gorm.io/gorm"
)

// Service creates, lists, and disconnects accounts, and resolves their
// credentials for adapters.
type Service struct {
	db    *gorm.DB
	box   *secrets.Box
	sched *poller.Scheduler // optional; nil disables schedule wiring
	push  map[string]bool   // platforms that deliver via webhook
}

// Opts holds parameters for creating a Service.
type Opts struct {
	DB        *gorm.DB
	Box       *secrets.Box
	Scheduler *poller.Scheduler
	Push      map[string]bool
}

// New creates a Service.
func New(opts Opts) (*Service, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("account: db is required")
	}
	if opts.Box == nil {
		return nil, fmt.Errorf("account: box is required")
	}
	return &Service{db: opts.DB, box: opts.Box, sched: opts.Scheduler, push: opts.Push}, nil
}

// AttachScheduler wires the poll scheduler after construction. The service
// resolves credentials for the scheduler, so at startup one of the two has
// to exist first.
func (s *Service) AttachScheduler(sched *poller.Scheduler) {
	s.sched = sched
}

// Connect links a platform account: the bearer credential is sealed before
// it reaches the database, and polling is scheduled immediately unless the
// platform delivers via push.
func (s *Service) Connect(ctx context.Context, userID, platformName, platformUserID, credential string) (*models.ConnectedAccount, error) {
	if userID == "" {
		return nil, fmt.Errorf("account: user id is required")
	}
	if platformName == "" {
		return nil, fmt.Errorf("account: platform is required")
	}
	if credential == "" {
		return nil, fmt.Errorf("account: credential is required")
	}

	sealed, err := s.box.Seal(credential)
	if err != nil {
		return nil, fmt.Errorf("account: seal credential: %w", err)
	}

	acct := &models.ConnectedAccount{
		ID:             uuid.NewString(),
		UserID:         userID,
		Platform:       platformName,
		PlatformUserID: platformUserID,
		Credential:     sealed,
		IsActive:       true,
	}
	if err := s.db.WithContext(ctx).Create(acct).Error; err != nil {
		return nil, fmt.Errorf("account: connect: %w", err)
	}

	if s.sched != nil && !s.push[platformName] {
		s.sched.Schedule(poller.Job{AccountID: acct.ID, Platform: platformName, UserID: userID}, 0)
	}
	return acct, nil
}

// Disconnect deactivates the account and removes it from polling. The row
// is kept so stored conversations remain attributable. Idempotent.
func (s *Service) Disconnect(ctx context.Context, accountID string) error {
	if accountID == "" {
		return fmt.Errorf("account: account id is required")
	}
	res := s.db.WithContext(ctx).Model(&models.ConnectedAccount{}).
		Where("id = ?", accountID).
		Updates(map[string]any{"is_active": false, "updated_at": time.Now()})
	if res.Error != nil {
		return fmt.Errorf("account: disconnect %s: %w", accountID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("account: not found: %s", accountID)
	}
	if s.sched != nil {
		s.sched.Remove(accountID)
	}
	return nil
}

// RefreshCredential replaces the account's sealed credential.
func (s *Service) RefreshCredential(ctx context.Context, accountID, credential string) error {
	if credential == "" {
		return fmt.Errorf("account: credential is required")
	}
	sealed, err := s.box.Seal(credential)
	if err != nil {
		return fmt.Errorf("account: seal credential: %w", err)
	}
	res := s.db.WithContext(ctx).Model(&models.ConnectedAccount{}).
		Where("id = ?", accountID).Update("credential", sealed)
	if res.Error != nil {
		return fmt.Errorf("account: refresh %s: %w", accountID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("account: not found: %s", accountID)
	}
	return nil
}

// List returns the user's accounts, active and inactive.
func (s *Service) List(ctx context.Context, userID string) ([]models.ConnectedAccount, error) {
	var accounts []models.ConnectedAccount
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).Order("created_at ASC").
		Find(&accounts).Error; err != nil {
		return nil, fmt.Errorf("account: list for %s: %w", userID, err)
	}
	return accounts, nil
}

// TokenSource opens the account's credential and exposes it as an oauth2
// token source for adapters. Inactive accounts have no credentials.
func (s *Service) TokenSource(ctx context.Context, accountID string) (oauth2.TokenSource, error) {
	var acct models.ConnectedAccount
	if err := s.db.WithContext(ctx).First(&acct, "id = ?", accountID).Error; err != nil {
		return nil, fmt.Errorf("account: load %s: %w", accountID, err)
	}
	if !acct.IsActive {
		return nil, fmt.Errorf("account: %s is disconnected", accountID)
	}
	token, err := s.box.Open(acct.Credential)
	if err != nil {
		return nil, fmt.Errorf("account: open credential for %s: %w", accountID, err)
	}
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}), nil
}
