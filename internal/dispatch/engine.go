// Package dispatch sends campaign batches across the authorized accounts,
// keeping every account within its daily quota and send pace.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"outreach/internal/accounts"
	"outreach/internal/config"
	"outreach/internal/lock"
	"outreach/internal/logging"
	"outreach/internal/model"
	"outreach/internal/platform"
	"outreach/internal/storage"
)

const previewLen = 128

// Report describes what one SendBatch call did.
type Report struct {
	CampaignID     string              `json:"campaign_id"`
	Selected       int                 `json:"selected"`
	Attempted      int                 `json:"attempted"`
	Delivered      int                 `json:"delivered"`
	NotDelivered   int                 `json:"not_delivered"`
	Failed         int                 `json:"failed"`
	Partial        bool                `json:"partial"`
	QuotaExhausted bool                `json:"quota_exhausted"`
	RetryAfter     time.Duration       `json:"-"`
	RetrySeconds   int                 `json:"retry_after_seconds,omitempty"`
	Completed      bool                `json:"completed"`
	Status         string              `json:"status"`
	AccountErrors  map[string]string   `json:"account_errors,omitempty"`
	Attempts       []model.SendAttempt `json:"attempts"`
}

type Engine struct {
	store  *storage.Store
	client platform.Client
	locks  lock.Locker
	cfg    config.DispatchConfig
	log    zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func New(store *storage.Store, client platform.Client, locks lock.Locker, cfg config.DispatchConfig, log zerolog.Logger) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxLanes <= 0 {
		cfg.MaxLanes = 8
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 20 * time.Second
	}
	return &Engine{
		store:    store,
		client:   client,
		locks:    locks,
		cfg:      cfg,
		log:      logging.Component(log, "dispatch"),
		now:      time.Now,
		limiters: make(map[string]*rate.Limiter),
	}
}

// lane is the ordered share of a batch assigned to one account.
type lane struct {
	acc   model.Account
	items []item
	err   error
}

type item struct {
	pos     int
	contact model.Contact
}

// SendBatch sends the next batch of a campaign. batchSize <= 0 uses the
// configured default. Running out of quota is reported, not returned as an
// error; a campaign with nothing left to send is completed and reported.
func (e *Engine) SendBatch(ctx context.Context, campaignID string, batchSize int) (Report, error) {
	if batchSize <= 0 {
		batchSize = e.cfg.BatchSize
	}
	rep := Report{CampaignID: campaignID, Attempts: []model.SendAttempt{}}

	release, err := e.locks.Lock(ctx, "campaign:"+campaignID)
	if err != nil {
		return rep, err
	}
	defer release()

	c, err := e.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return rep, err
	}
	rep.Status = c.Status
	switch c.Status {
	case model.CampaignCompleted:
		rep.Completed = true
		return rep, nil
	case model.CampaignDraft, model.CampaignRunning:
	default:
		return rep, model.StateError("campaign", c.Status, "draft or running")
	}

	var pending []model.Contact
	if limit := min(batchSize, c.TotalTargets-c.Sent); limit > 0 {
		pending, err = e.store.PendingContacts(ctx, c, limit)
		if err != nil {
			return rep, err
		}
	}
	if len(pending) == 0 {
		c, err = e.store.CommitBatch(ctx, campaignID, nil)
		if err != nil {
			return rep, err
		}
		rep.Status, rep.Completed = c.Status, c.Status == model.CampaignCompleted
		return rep, nil
	}
	rep.Selected = len(pending)

	now := e.now()
	today := storage.Day(now)
	all, err := e.store.ListAuthorizedAccounts(ctx, today)
	if err != nil {
		return rep, err
	}
	if len(all) == 0 {
		return rep, fmt.Errorf("no authorized accounts: %w", model.ErrInvalidState)
	}

	lanes, exhausted, err := e.assign(ctx, all, pending, now, today)
	if err != nil {
		return rep, err
	}
	if exhausted {
		rep.QuotaExhausted = true
		rep.RetryAfter = retryAfter(all, now)
		rep.RetrySeconds = int((rep.RetryAfter + time.Second - 1) / time.Second)
	}

	out := make([]*model.SendAttempt, len(pending))
	var g errgroup.Group
	g.SetLimit(e.cfg.MaxLanes)
	for _, l := range lanes {
		g.Go(func() error {
			e.runLane(ctx, c, today, l, out)
			return nil
		})
	}
	_ = g.Wait()

	attempts := make([]model.SendAttempt, 0, len(pending))
	for _, a := range out {
		if a != nil {
			attempts = append(attempts, *a)
		}
	}
	for _, l := range lanes {
		if l.err != nil {
			if rep.AccountErrors == nil {
				rep.AccountErrors = make(map[string]string)
			}
			rep.AccountErrors[l.acc.ID] = l.err.Error()
		}
	}

	// sends already went out, so they are recorded even if ctx is done
	c, err = e.store.CommitBatch(context.WithoutCancel(ctx), campaignID, attempts)
	if err != nil {
		return rep, err
	}

	rep.Attempts = attempts
	rep.Attempted = len(attempts)
	for _, a := range attempts {
		switch a.Outcome {
		case model.OutcomeDelivered:
			rep.Delivered++
		case model.OutcomeNotDelivered:
			rep.NotDelivered++
		default:
			rep.Failed++
		}
	}
	rep.Partial = rep.Attempted < rep.Selected
	rep.Status, rep.Completed = c.Status, c.Status == model.CampaignCompleted

	e.log.Info().
		Str("campaign", campaignID).
		Int("selected", rep.Selected).
		Int("attempted", rep.Attempted).
		Int("delivered", rep.Delivered).
		Bool("quota_exhausted", rep.QuotaExhausted).
		Str("status", rep.Status).
		Msg("batch dispatched")
	return rep, ctx.Err()
}

// assign reserves one quota unit per contact, always from the least-used
// account. It stops early when no account has quota left.
func (e *Engine) assign(ctx context.Context, all []model.Account, pending []model.Contact, now time.Time, today string) ([]*lane, bool, error) {
	slots := make([]*slot, 0, len(all))
	for i, a := range all {
		if a.InCooldown(now) || a.SentToday >= a.DailyLimit {
			continue
		}
		slots = append(slots, &slot{acc: a, used: a.SentToday, seq: i})
	}
	p := newPool(slots)

	var lanes []*lane
	byAccount := make(map[string]*lane)
	for pos, contact := range pending {
		placed := false
		for p.Len() > 0 {
			s := p.next()
			ok, err := e.store.ReserveQuota(ctx, s.acc.ID, today)
			if err != nil {
				for _, l := range lanes {
					e.releaseQuota(ctx, l.acc.ID, today, len(l.items))
				}
				return nil, false, err
			}
			if !ok {
				// taken by a concurrent batch, or the account left authorized
				continue
			}
			s.used++
			l := byAccount[s.acc.ID]
			if l == nil {
				l = &lane{acc: s.acc}
				byAccount[s.acc.ID] = l
				lanes = append(lanes, l)
			}
			l.items = append(l.items, item{pos: pos, contact: contact})
			if s.hasQuota() {
				p.put(s)
			}
			placed = true
			break
		}
		if !placed {
			return lanes, true, nil
		}
	}
	return lanes, false, nil
}

// runLane sends a lane's contacts in order, paced by the account limiter.
// An account-level refusal stops the lane and hands back the quota of
// everything not sent.
func (e *Engine) runLane(ctx context.Context, c model.Campaign, today string, l *lane, out []*model.SendAttempt) {
	lim := e.limiter(l.acc.ID)
	log := e.log.With().Str("campaign", c.ID).Str("account", l.acc.ID).Logger()

	for i, it := range l.items {
		if err := lim.Wait(ctx); err != nil {
			e.releaseQuota(ctx, l.acc.ID, today, len(l.items)-i)
			return
		}

		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		res, err := e.client.SendMessage(callCtx, l.acc.Session, it.contact.Phone, c.Message)
		cancel()

		if err != nil && platform.AccountLevel(err) {
			l.err = err
			if _, serr := accounts.ApplyPlatformError(ctx, e.store, l.acc, err, e.now()); serr != nil {
				log.Error().Err(serr).Msg("failed to persist account state")
			}
			e.releaseQuota(ctx, l.acc.ID, today, len(l.items)-i)
			log.Warn().Err(err).Int("unsent", len(l.items)-i).Msg("account stopped mid-batch")
			return
		}

		a := &model.SendAttempt{
			CampaignID:     c.ID,
			ContactID:      it.contact.ID,
			AccountID:      l.acc.ID,
			Recipient:      it.contact.Phone,
			MessagePreview: short(c.Message),
			TS:             e.now().UTC(),
		}
		switch {
		case err != nil:
			a.Outcome = model.OutcomeError
			a.Error = err.Error()
			log.Debug().Err(err).Str("recipient", it.contact.Phone).Msg("send failed")
		case res.Delivered:
			a.Outcome = model.OutcomeDelivered
			a.MessageID = res.MessageID
		default:
			a.Outcome = model.OutcomeNotDelivered
			a.MessageID = res.MessageID
		}
		out[it.pos] = a
	}
}

func (e *Engine) releaseQuota(ctx context.Context, accountID, today string, n int) {
	if err := e.store.ReleaseQuota(context.WithoutCancel(ctx), accountID, today, n); err != nil {
		e.log.Error().Err(err).Str("account", accountID).Int("units", n).Msg("failed to release quota")
	}
}

// limiter returns the account's pacing limiter, shared by every campaign.
func (e *Engine) limiter(accountID string) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	lim, ok := e.limiters[accountID]
	if !ok {
		every := rate.Inf
		if e.cfg.SendInterval > 0 {
			every = rate.Every(e.cfg.SendInterval)
		}
		lim = rate.NewLimiter(every, 1)
		e.limiters[accountID] = lim
	}
	return lim
}

// retryAfter is how long until some account may have quota again: the
// earliest cooldown expiry, or the next UTC midnight.
func retryAfter(all []model.Account, now time.Time) time.Duration {
	now = now.UTC()
	wait := now.Truncate(24 * time.Hour).Add(24 * time.Hour).Sub(now)
	for _, a := range all {
		if a.InCooldown(now) && a.SentToday < a.DailyLimit {
			if d := a.CooldownUntil.Sub(now); d < wait {
				wait = d
			}
		}
	}
	return wait
}

func short(s string) string {
	if utf8.RuneCountInString(s) <= previewLen {
		return s
	}
	r := []rune(s)
	return string(r[:previewLen])
}
