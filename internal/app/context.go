package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"buildline/internal/config"
	"buildline/internal/domain"
	"buildline/internal/ledger"
	"buildline/internal/repo"
)

// ResolveAccountAndConfig picks the active account and makes sure both the
// account row and a workspace config exist, seeding defaults when missing.
// The CLI override wins; otherwise the config names the account.
func ResolveAccountAndConfig(ctx context.Context, workspace, accountOverride string, r repo.Repo, led ledger.Ledger) (string, *config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}
	accountID := accountOverride
	if accountID == "" && cfg != nil {
		accountID = cfg.Account.ID
	}
	if accountID == "" {
		accountID = "default"
	}
	if cfg == nil {
		cfg = config.Default(accountID)
	}
	cfg.Account.ID = accountID

	if _, err := r.GetAccount(ctx, accountID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createAccount(ctx, r, led, accountID, cfg); err != nil {
			return "", nil, err
		}
	}
	return accountID, cfg, nil
}

// createAccount inserts the account at zero and grants the starting balance
// through the ledger, so the opening credit shows up in the audit trail.
func createAccount(ctx context.Context, r repo.Repo, led ledger.Ledger, accountID string, cfg *config.Config) error {
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	a := domain.Account{ID: accountID, Balance: 0, CreatedAt: now, UpdatedAt: now}
	if err := r.InsertAccountTx(ctx, tx, a); err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if cfg.Credits.StartingBalance > 0 {
		if _, err := led.Credit(ctx, accountID, cfg.Credits.StartingBalance, "account.seed", "system"); err != nil {
			return fmt.Errorf("seed balance: %w", err)
		}
	}
	return nil
}
