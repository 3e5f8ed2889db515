package accounts

import (
	"context"
	"errors"
	"time"

	"outreach/internal/model"
	"outreach/internal/platform"
	"outreach/internal/storage"
)

// ApplyPlatformError persists what an account-level platform error says
// about the account: a cooldown, an expired session, rejected credentials or
// a block. It reports whether err was one of those. The writes ignore ctx
// cancellation so a cancelled caller still leaves the account consistent.
func ApplyPlatformError(ctx context.Context, store *storage.Store, a model.Account, err error, now time.Time) (bool, error) {
	ctx = context.WithoutCancel(ctx)
	if rl, ok := platform.AsRateLimit(err); ok {
		return true, store.SetAccountCooldown(ctx, a.ID, now.Add(rl.RetryAfter), err.Error())
	}
	switch {
	case errors.Is(err, platform.ErrAccountBlocked):
		return true, store.BlockAccount(ctx, a.ID, err.Error())
	case errors.Is(err, platform.ErrSessionExpired) && a.Session != "":
		_, serr := store.DemoteAccount(ctx, a.ID, a.Session, err.Error())
		return true, serr
	case errors.Is(err, platform.ErrInvalidCredentials):
		_, ferr := store.FailAccount(ctx, a.ID, a.Session, err.Error())
		return true, ferr
	}
	return false, nil
}
