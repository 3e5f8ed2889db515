// Package auth drives the per-account login flow: phone code, optional
// second factor, then an authorized session that is persisted on the
// account row.
package auth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
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

const defaultDiagnosticMessage = "Connection test: this account is ready to send."

var codeRe = regexp.MustCompile(`^\d{5}$`)

// Manager runs login steps for accounts. It keeps no client state in
// memory: every step reads the persisted auth state, so any process can
// continue a flow another one started.
type Manager struct {
	store  *storage.Store
	client platform.Client
	locks  lock.Locker
	cfg    config.AuthConfig
	log    zerolog.Logger
	now    func() time.Time
}

func New(store *storage.Store, client platform.Client, locks lock.Locker, cfg config.AuthConfig, log zerolog.Logger) *Manager {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 20 * time.Second
	}
	if cfg.DiagnosticRecipient == "" {
		cfg.DiagnosticRecipient = "me"
	}
	if cfg.DiagnosticMessage == "" {
		cfg.DiagnosticMessage = defaultDiagnosticMessage
	}
	return &Manager{
		store:  store,
		client: client,
		locks:  locks,
		cfg:    cfg,
		log:    logging.Component(log, "auth"),
		now:    time.Now,
	}
}

// RequestCode asks the platform to send a login code to the account's phone.
func (m *Manager) RequestCode(ctx context.Context, accountID string) (model.Account, error) {
	return m.withAccount(ctx, accountID, func(a model.Account) error {
		if !phone.Valid(a.Phone) {
			return model.Invalid("phone", "must be in international format like +12025550100")
		}
		if a.APIID == "" || a.APIHash == "" {
			return model.Invalid("api_credentials", "api_id and api_hash are required")
		}
		switch a.Status {
		case model.AccountUnauthenticated, model.AccountFailed, model.AccountCodeSent, model.AccountAwaitingSecondFactor:
		default:
			return model.StateError("account", a.Status, "not authorized")
		}

		callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
		res, err := m.client.SendAuthCode(callCtx, credentials(a))
		cancel()
		if err != nil {
			return m.requestCodeFailed(ctx, a, err)
		}

		now := m.now().UTC()
		if res.Authorized {
			return m.authorize(ctx, a, res.Session, now)
		}
		if err := m.store.SaveAuthState(ctx, a.ID, model.AuthState{
			Status:          model.AccountCodeSent,
			CodeHandle:      res.Handle,
			LastAuthAttempt: &now,
		}); err != nil {
			return err
		}
		m.log.Info().Str("account", a.ID).Msg("auth code sent")
		m.record(ctx, model.ActivityAuthCodeSent, a.ID, "Login code sent to "+a.Phone)
		return nil
	})
}

func (m *Manager) requestCodeFailed(ctx context.Context, a model.Account, err error) error {
	if m.accountError(ctx, a, err) {
		return err
	}
	if errors.Is(err, platform.ErrInvalidPhone) || errors.Is(err, platform.ErrInvalidCredentials) {
		return err
	}
	now := m.now().UTC()
	if serr := m.store.SaveAuthState(context.WithoutCancel(ctx), a.ID, model.AuthState{
		Status:          model.AccountFailed,
		LastAuthAttempt: &now,
		LastError:       err.Error(),
	}); serr != nil {
		return errors.Join(err, serr)
	}
	m.log.Warn().Err(err).Str("account", a.ID).Msg("auth code request failed")
	return err
}

// SubmitCode completes the code step. The account either becomes
// authorized or waits for its second factor.
func (m *Manager) SubmitCode(ctx context.Context, accountID, code string) (model.Account, error) {
	if !codeRe.MatchString(code) {
		return model.Account{}, model.Invalid("code", "must be exactly 5 digits")
	}
	return m.withAccount(ctx, accountID, func(a model.Account) error {
		if a.Status != model.AccountCodeSent {
			return model.StateError("account", a.Status, model.AccountCodeSent)
		}

		callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
		res, err := m.client.SubmitAuthCode(callCtx, credentials(a), a.CodeHandle, code)
		cancel()
		now := m.now().UTC()
		switch {
		case errors.Is(err, platform.ErrInvalidCode):
			if serr := m.store.SaveAuthState(context.WithoutCancel(ctx), a.ID, model.AuthState{
				Status:          model.AccountUnauthenticated,
				LastAuthAttempt: &now,
				LastError:       err.Error(),
			}); serr != nil {
				return errors.Join(err, serr)
			}
			return err
		case err != nil:
			m.accountError(ctx, a, err)
			return err
		case res.NeedsPassword:
			m.log.Info().Str("account", a.ID).Msg("second factor required")
			return m.store.SaveAuthState(ctx, a.ID, model.AuthState{
				Status:          model.AccountAwaitingSecondFactor,
				CodeHandle:      a.CodeHandle,
				PendingCode:     code,
				LastAuthAttempt: &now,
			})
		default:
			return m.authorize(ctx, a, res.Session, now)
		}
	})
}

// SubmitSecondFactor finishes a login that needs a password, replaying the
// handle and code kept from SubmitCode.
func (m *Manager) SubmitSecondFactor(ctx context.Context, accountID, password string) (model.Account, error) {
	if password == "" {
		return model.Account{}, model.Invalid("password", "is required")
	}
	return m.withAccount(ctx, accountID, func(a model.Account) error {
		if a.Status != model.AccountAwaitingSecondFactor {
			return model.StateError("account", a.Status, model.AccountAwaitingSecondFactor)
		}

		callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
		session, err := m.client.SubmitPassword(callCtx, credentials(a), a.CodeHandle, a.PendingCode, password)
		cancel()
		now := m.now().UTC()
		switch {
		case errors.Is(err, platform.ErrInvalidPassword):
			return err
		case errors.Is(err, platform.ErrInvalidCode):
			// the replayed code expired; the flow has to start over
			if serr := m.store.SaveAuthState(context.WithoutCancel(ctx), a.ID, model.AuthState{
				Status:          model.AccountUnauthenticated,
				LastAuthAttempt: &now,
				LastError:       err.Error(),
			}); serr != nil {
				return errors.Join(err, serr)
			}
			return err
		case err != nil:
			m.accountError(ctx, a, err)
			return err
		}
		return m.authorize(ctx, a, session, now)
	})
}

// TestConnection sends the diagnostic message through an authorized
// account's session.
func (m *Manager) TestConnection(ctx context.Context, accountID string) (platform.SendResult, error) {
	var res platform.SendResult
	_, err := m.withAccount(ctx, accountID, func(a model.Account) error {
		if a.Status != model.AccountAuthorized {
			return model.StateError("account", a.Status, model.AccountAuthorized)
		}

		callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
		var err error
		res, err = m.client.SendMessage(callCtx, a.Session, m.cfg.DiagnosticRecipient, m.cfg.DiagnosticMessage)
		cancel()
		if err != nil {
			m.accountError(ctx, a, err)
			return err
		}
		m.log.Info().Str("account", a.ID).Str("message_id", res.MessageID).Msg("test message sent")
		m.record(ctx, model.ActivityTestMessageSent, a.ID, "Test message sent from "+a.Phone)
		return nil
	})
	return res, err
}

// withAccount runs fn under the account's auth lock and returns the account
// as stored afterwards. Blocked accounts and accounts in cooldown are
// rejected before fn runs.
func (m *Manager) withAccount(ctx context.Context, accountID string, fn func(a model.Account) error) (model.Account, error) {
	release, ok, err := m.locks.TryLock(ctx, "auth:"+accountID)
	if err != nil {
		return model.Account{}, err
	}
	if !ok {
		return model.Account{}, fmt.Errorf("account %s login step: %w", accountID, model.ErrBusy)
	}
	defer release()

	a, err := m.store.GetAccount(ctx, accountID)
	if err != nil {
		return model.Account{}, err
	}
	if a.Status == model.AccountBlocked {
		return model.Account{}, model.StateError("account", a.Status, "not blocked")
	}
	if now := m.now(); a.InCooldown(now) {
		return model.Account{}, platform.RateLimited(a.CooldownUntil.Sub(now))
	}

	if err := fn(a); err != nil {
		return model.Account{}, err
	}
	return m.store.GetAccount(ctx, accountID)
}

func (m *Manager) authorize(ctx context.Context, a model.Account, session string, now time.Time) error {
	if err := m.store.SaveAuthState(ctx, a.ID, model.AuthState{
		Status:          model.AccountAuthorized,
		Session:         session,
		LastAuthAttempt: &now,
	}); err != nil {
		return err
	}
	m.log.Info().Str("account", a.ID).Msg("account authorized")
	m.record(ctx, model.ActivityAccountAuthorized, a.ID, "Account "+a.Phone+" authorized")
	return nil
}

// accountError persists what an account-level platform error says about
// the account. It reports whether err was one of them.
func (m *Manager) accountError(ctx context.Context, a model.Account, err error) bool {
	handled, serr := accounts.ApplyPlatformError(ctx, m.store, a, err, m.now())
	if serr != nil {
		m.log.Error().Err(serr).Str("account", a.ID).Msg("failed to persist account state")
	}
	if handled {
		m.log.Warn().Err(err).Str("account", a.ID).Msg("platform refused account")
	}
	return handled
}

func (m *Manager) record(ctx context.Context, typ, entityID, desc string) {
	if err := m.store.RecordActivity(ctx, typ, entityID, desc); err != nil {
		m.log.Warn().Err(err).Str("type", typ).Msg("failed to record activity")
	}
}

func credentials(a model.Account) platform.Credentials {
	return platform.Credentials{Phone: a.Phone, APIID: a.APIID, APIHash: a.APIHash}
}
