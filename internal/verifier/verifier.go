// Package verifier checks which numbers of a contact list exist on the
// platform, in paced batches through one authorized account.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"outreach/internal/accounts"
	"outreach/internal/config"
	"outreach/internal/lock"
	"outreach/internal/logging"
	"outreach/internal/model"
	"outreach/internal/phone"
	"outreach/internal/platform"
	"outreach/internal/storage"
)

const interruptedReason = "verification interrupted"

// Report summarises one verification run.
type Report struct {
	ListID    string `json:"list_id"`
	AccountID string `json:"account_id,omitempty"`
	Checked   int    `json:"checked"`
	Verified  int    `json:"verified"`
	Reachable int    `json:"reachable"`
	Batches   int    `json:"batches"`
	Status    string `json:"status"`
}

type Verifier struct {
	store  *storage.Store
	client platform.Client
	locks  lock.Locker
	cfg    config.VerifierConfig
	log    zerolog.Logger
	now    func() time.Time
}

func New(store *storage.Store, client platform.Client, locks lock.Locker, cfg config.VerifierConfig, log zerolog.Logger) *Verifier {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 20 * time.Second
	}
	return &Verifier{
		store:  store,
		client: client,
		locks:  locks,
		cfg:    cfg,
		log:    logging.Component(log, "verifier"),
		now:    time.Now,
	}
}

// Preflight runs the checks Verify would fail on before touching the
// platform, so callers can start Verify in the background and still
// reject bad requests synchronously.
func (v *Verifier) Preflight(ctx context.Context, listID, accountID string) error {
	l, err := v.store.GetContactList(ctx, listID)
	if err != nil {
		return err
	}
	if l.Status == model.ListCompleted {
		return nil
	}
	_, err = v.pickAccount(ctx, accountID)
	return err
}

// Verify checks every unchecked contact of a list. With an empty accountID
// the earliest authorized account that is not cooling down is used.
// Contacts already checked are never re-checked, so a run that stopped
// early resumes where it left off.
func (v *Verifier) Verify(ctx context.Context, listID, accountID string) (Report, error) {
	rep := Report{ListID: listID}

	release, ok, err := v.locks.TryLock(ctx, "verify:"+listID)
	if err != nil {
		return rep, err
	}
	if !ok {
		return rep, fmt.Errorf("verification of list %s: %w", listID, model.ErrBusy)
	}
	defer release()

	l, err := v.store.GetContactList(ctx, listID)
	if err != nil {
		return rep, err
	}
	if l.Status == model.ListCompleted {
		rep.Status = l.Status
		return rep, nil
	}

	acc, err := v.pickAccount(ctx, accountID)
	if err != nil {
		return rep, err
	}
	rep.AccountID = acc.ID
	if err := v.store.SetContactListStatus(ctx, listID, model.ListProcessing, ""); err != nil {
		return rep, err
	}
	log := v.log.With().Str("list", listID).Str("account", acc.ID).Logger()
	left, err := v.store.CountUnchecked(ctx, listID)
	if err != nil {
		return v.abort(ctx, rep, err)
	}
	log.Info().Int("unchecked", left).Msg("verification started")

	for {
		batch, err := v.store.UncheckedContacts(ctx, listID, v.cfg.BatchSize)
		if err != nil {
			return v.abort(ctx, rep, err)
		}
		if len(batch) == 0 {
			break
		}
		if rep.Batches > 0 {
			if err := sleep(ctx, v.cfg.BatchDelay); err != nil {
				return v.abort(ctx, rep, err)
			}
		}

		acc, err = v.store.GetAccount(ctx, acc.ID)
		if err != nil {
			return v.abort(ctx, rep, err)
		}
		if err := v.usable(acc); err != nil {
			return v.abort(ctx, rep, err)
		}

		results, runErr := v.checkBatch(ctx, acc, batch)
		if len(results) > 0 {
			if err := v.store.SaveContactResults(context.WithoutCancel(ctx), listID, results, v.now()); err != nil {
				return v.abort(ctx, rep, err)
			}
			rep.Batches++
			for _, c := range results {
				rep.Checked++
				if c.Verified {
					rep.Verified++
				}
				if c.Reachable {
					rep.Reachable++
				}
			}
		}
		if runErr != nil {
			return v.abort(ctx, rep, runErr)
		}
		log.Debug().Int("batch", rep.Batches).Int("checked", rep.Checked).Msg("batch verified")
	}

	// a list only completes once every contact carries a check time
	left, err = v.store.CountUnchecked(ctx, listID)
	if err != nil {
		return v.abort(ctx, rep, err)
	}
	if left > 0 {
		return v.abort(ctx, rep, fmt.Errorf("%d contacts left unchecked", left))
	}
	if err := v.store.SetContactListStatus(ctx, listID, model.ListCompleted, ""); err != nil {
		return rep, err
	}
	rep.Status = model.ListCompleted
	if err := v.store.RecordActivity(ctx, model.ActivityContactsVerified, listID,
		fmt.Sprintf("Verified %d numbers of %s, %d reachable", rep.Checked, l.Name, rep.Reachable)); err != nil {
		log.Warn().Err(err).Msg("failed to record activity")
	}
	log.Info().Int("checked", rep.Checked).Int("reachable", rep.Reachable).Msg("verification completed")
	return rep, nil
}

// checkBatch looks up each contact in order. It returns the contacts it
// attempted and, when the run cannot continue, the reason.
func (v *Verifier) checkBatch(ctx context.Context, acc model.Account, batch []model.Contact) ([]model.Contact, error) {
	results := make([]model.Contact, 0, len(batch))
	for i, c := range batch {
		if i > 0 {
			if err := sleep(ctx, v.cfg.ContactDelay); err != nil {
				return results, err
			}
		}
		c.Verified, c.Reachable = false, false
		if !phone.Valid(c.Phone) {
			results = append(results, c)
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, v.cfg.CallTimeout)
		res, err := v.client.LookupContact(callCtx, acc.Session, c.Phone)
		cancel()
		switch {
		case err == nil:
			c.Verified, c.Reachable = true, res.Registered
		case ctx.Err() != nil:
			return results, ctx.Err()
		case platform.AccountLevel(err):
			v.accountError(ctx, acc, err)
			return results, err
		default:
			v.log.Debug().Err(err).Int64("contact", c.ID).Msg("lookup failed")
		}
		results = append(results, c)
	}
	return results, nil
}

// abort marks the list as failed with the reason and returns err.
func (v *Verifier) abort(ctx context.Context, rep Report, err error) (Report, error) {
	reason := err.Error()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		reason = interruptedReason
	}
	rep.Status = model.ListError
	if serr := v.store.SetContactListStatus(context.WithoutCancel(ctx), rep.ListID, model.ListError, reason); serr != nil {
		err = errors.Join(err, serr)
	}
	v.log.Warn().Err(err).Str("list", rep.ListID).Int("checked", rep.Checked).Msg("verification stopped")
	return rep, err
}

func (v *Verifier) pickAccount(ctx context.Context, accountID string) (model.Account, error) {
	if accountID != "" {
		a, err := v.store.GetAccount(ctx, accountID)
		if err != nil {
			return a, err
		}
		return a, v.usable(a)
	}
	list, err := v.store.ListAuthorizedAccounts(ctx, storage.Day(v.now()))
	if err != nil {
		return model.Account{}, err
	}
	now := v.now()
	for _, a := range list {
		if !a.InCooldown(now) {
			return a, nil
		}
	}
	return model.Account{}, fmt.Errorf("no authorized account available for verification: %w", model.ErrInvalidState)
}

func (v *Verifier) usable(a model.Account) error {
	if a.Status != model.AccountAuthorized {
		return model.StateError("account "+a.ID, a.Status, model.AccountAuthorized)
	}
	if now := v.now(); a.InCooldown(now) {
		return platform.RateLimited(a.CooldownUntil.Sub(now))
	}
	return nil
}

func (v *Verifier) accountError(ctx context.Context, a model.Account, err error) {
	if _, serr := accounts.ApplyPlatformError(ctx, v.store, a, err, v.now()); serr != nil {
		v.log.Error().Err(serr).Str("account", a.ID).Msg("failed to persist account state")
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
