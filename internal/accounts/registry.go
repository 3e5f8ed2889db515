// Package accounts manages the platform accounts operators register.
package accounts

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"outreach/internal/logging"
	"outreach/internal/model"
	"outreach/internal/phone"
	"outreach/internal/storage"
)

type Registry struct {
	store *storage.Store
	log   zerolog.Logger
}

func NewRegistry(store *storage.Store, log zerolog.Logger) *Registry {
	return &Registry{store: store, log: logging.Component(log, "accounts")}
}

// NewAccount is what an operator supplies to register an account.
type NewAccount struct {
	Label      string
	Phone      string
	APIID      string
	APIHash    string
	DailyLimit int
}

// Add registers an unauthenticated account. A zero DailyLimit takes the
// default.
func (r *Registry) Add(ctx context.Context, in NewAccount) (model.Account, error) {
	a := model.Account{
		Label:      in.Label,
		Phone:      phone.Normalize(in.Phone),
		APIID:      in.APIID,
		APIHash:    in.APIHash,
		DailyLimit: in.DailyLimit,
	}
	if !phone.Valid(a.Phone) {
		return a, model.Invalid("phone", "must be in international format like +12025550100")
	}
	if a.APIID == "" || a.APIHash == "" {
		return a, model.Invalid("api_credentials", "api_id and api_hash are required")
	}
	if a.DailyLimit < 0 {
		return a, model.Invalid("daily_limit", "must be positive")
	}
	if a.Label == "" {
		a.Label = a.Phone
	}
	if err := r.store.CreateAccount(ctx, &a); err != nil {
		return a, err
	}
	r.record(ctx, model.ActivityAccountAdded, a.ID, fmt.Sprintf("Account %s added", a.Phone))
	r.log.Info().Str("account", a.ID).Msg("account added")
	return a, nil
}

// Update changes the label and daily limit; nil fields are kept.
func (r *Registry) Update(ctx context.Context, id string, label *string, dailyLimit *int) (model.Account, error) {
	if dailyLimit != nil && *dailyLimit <= 0 {
		return model.Account{}, model.Invalid("daily_limit", "must be positive")
	}
	if err := r.store.UpdateAccount(ctx, id, label, dailyLimit); err != nil {
		return model.Account{}, err
	}
	return r.store.GetAccount(ctx, id)
}

func (r *Registry) Delete(ctx context.Context, id string) error {
	a, err := r.store.GetAccount(ctx, id)
	if err != nil {
		return err
	}
	if err := r.store.DeleteAccount(ctx, id); err != nil {
		return err
	}
	r.record(ctx, model.ActivityAccountDeleted, id, fmt.Sprintf("Account %s deleted", a.Phone))
	r.log.Info().Str("account", id).Msg("account deleted")
	return nil
}

func (r *Registry) Get(ctx context.Context, id string) (model.Account, error) {
	return r.store.GetAccount(ctx, id)
}

// List returns every account, newest first, with today's quota usage.
func (r *Registry) List(ctx context.Context) ([]model.Account, error) {
	list, err := r.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	today := storage.Day(time.Now())
	for i := range list {
		list[i].SentToday = list[i].EffectiveSentToday(today)
	}
	return list, nil
}

func (r *Registry) record(ctx context.Context, typ, id, desc string) {
	if err := r.store.RecordActivity(ctx, typ, id, desc); err != nil {
		r.log.Warn().Err(err).Str("type", typ).Msg("failed to record activity")
	}
}
