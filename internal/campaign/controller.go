// Package campaign owns campaign and contact-list lifecycles and drives
// verification and dispatch for them.
package campaign

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"outreach/internal/dispatch"
	"outreach/internal/logging"
	"outreach/internal/model"
	"outreach/internal/phone"
	"outreach/internal/storage"
	"outreach/internal/verifier"
)

type Controller struct {
	store    *storage.Store
	verifier *verifier.Verifier
	engine   *dispatch.Engine
	log      zerolog.Logger
}

func New(store *storage.Store, v *verifier.Verifier, engine *dispatch.Engine, log zerolog.Logger) *Controller {
	return &Controller{store: store, verifier: v, engine: engine, log: logging.Component(log, "campaign")}
}

// NewCampaign is what an operator supplies to create a campaign.
type NewCampaign struct {
	Name         string
	ListID       string
	Message      string
	ScheduledFor *time.Time
}

// Create makes a draft campaign that targets every reachable contact of a
// verified list.
func (ctl *Controller) Create(ctx context.Context, in NewCampaign) (model.Campaign, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return model.Campaign{}, model.Invalid("name", "is required")
	}
	if strings.TrimSpace(in.Message) == "" {
		return model.Campaign{}, model.Invalid("message", "is required")
	}
	if n := utf8.RuneCountInString(in.Message); n > model.MaxMessageLength {
		return model.Campaign{}, model.Invalid("message", "is %d characters, at most %d allowed", n, model.MaxMessageLength)
	}

	l, err := ctl.store.GetContactList(ctx, in.ListID)
	if err != nil {
		return model.Campaign{}, err
	}
	if l.Status != model.ListCompleted {
		return model.Campaign{}, model.StateError("contact list", l.Status, model.ListCompleted)
	}
	if l.ReachableNumbers == 0 {
		return model.Campaign{}, fmt.Errorf("contact list %s has no reachable contacts: %w", l.ID, model.ErrInvalidState)
	}

	c := model.Campaign{
		Name:         name,
		ListID:       l.ID,
		Message:      in.Message,
		TotalTargets: l.ReachableNumbers,
	}
	if in.ScheduledFor != nil {
		at := in.ScheduledFor.UTC()
		c.ScheduledFor = &at
	}
	if err := ctl.store.CreateCampaign(ctx, &c); err != nil {
		return c, err
	}
	ctl.record(ctx, model.ActivityCampaignCreated, c.ID, fmt.Sprintf("Campaign %q created for %d recipients", c.Name, c.TotalTargets))
	return c, nil
}

func (ctl *Controller) Start(ctx context.Context, id string) (model.Campaign, error) {
	return ctl.transition(ctx, id, model.CampaignRunning, model.CampaignDraft)
}

func (ctl *Controller) Pause(ctx context.Context, id string) (model.Campaign, error) {
	return ctl.transition(ctx, id, model.CampaignPaused, model.CampaignRunning)
}

func (ctl *Controller) Resume(ctx context.Context, id string) (model.Campaign, error) {
	return ctl.transition(ctx, id, model.CampaignRunning, model.CampaignPaused)
}

func (ctl *Controller) Stop(ctx context.Context, id string) (model.Campaign, error) {
	return ctl.transition(ctx, id, model.CampaignStopped, model.CampaignRunning, model.CampaignPaused)
}

func (ctl *Controller) transition(ctx context.Context, id, to string, from ...string) (model.Campaign, error) {
	ok, err := ctl.store.TransitionCampaign(ctx, id, from, to)
	if err != nil {
		return model.Campaign{}, err
	}
	c, err := ctl.store.GetCampaign(ctx, id)
	if err != nil {
		return c, err
	}
	if !ok {
		return c, model.StateError("campaign", c.Status, strings.Join(from, " or "))
	}
	ctl.record(ctx, model.ActivityCampaignStatusChanged, id, fmt.Sprintf("Campaign %q is now %s", c.Name, to))
	ctl.log.Info().Str("campaign", id).Str("status", to).Msg("campaign status changed")
	return c, nil
}

// Advance sends the next batch of a running campaign. Finished campaigns
// report without sending, so repeated calls are safe.
func (ctl *Controller) Advance(ctx context.Context, id string, batchSize int) (dispatch.Report, error) {
	c, err := ctl.store.GetCampaign(ctx, id)
	if err != nil {
		return dispatch.Report{}, err
	}
	switch c.Status {
	case model.CampaignRunning:
		return ctl.engine.SendBatch(ctx, id, batchSize)
	case model.CampaignCompleted, model.CampaignStopped:
		return dispatch.Report{
			CampaignID: id,
			Status:     c.Status,
			Completed:  c.Status == model.CampaignCompleted,
			Attempts:   []model.SendAttempt{},
		}, nil
	default:
		return dispatch.Report{}, model.StateError("campaign", c.Status, model.CampaignRunning)
	}
}

// Dispatch sends one batch right away. A draft campaign that sends is
// promoted to running.
func (ctl *Controller) Dispatch(ctx context.Context, id string, batchSize int) (dispatch.Report, error) {
	return ctl.engine.SendBatch(ctx, id, batchSize)
}

// StartDue starts draft campaigns whose scheduled time has passed and
// returns their IDs.
func (ctl *Controller) StartDue(ctx context.Context, now time.Time) ([]string, error) {
	drafts, err := ctl.store.CampaignsByStatus(ctx, model.CampaignDraft)
	if err != nil {
		return nil, err
	}
	var started []string
	for _, c := range drafts {
		if c.ScheduledFor == nil || c.ScheduledFor.After(now) {
			continue
		}
		if _, err := ctl.Start(ctx, c.ID); err != nil {
			ctl.log.Warn().Err(err).Str("campaign", c.ID).Msg("failed to start scheduled campaign")
			continue
		}
		started = append(started, c.ID)
	}
	return started, nil
}

// Running lists campaigns the scheduler should advance.
func (ctl *Controller) Running(ctx context.Context) ([]model.Campaign, error) {
	return ctl.store.CampaignsByStatus(ctx, model.CampaignRunning)
}

func (ctl *Controller) Get(ctx context.Context, id string) (model.Campaign, error) {
	return ctl.store.GetCampaign(ctx, id)
}

func (ctl *Controller) List(ctx context.Context) ([]model.Campaign, error) {
	return ctl.store.ListCampaigns(ctx)
}

// Attempts pages through a campaign's send log.
func (ctl *Controller) Attempts(ctx context.Context, id string, limit, offset int) ([]model.SendAttempt, error) {
	if _, err := ctl.store.GetCampaign(ctx, id); err != nil {
		return nil, err
	}
	return ctl.store.ListSendAttempts(ctx, id, limit, offset)
}

func (ctl *Controller) Delete(ctx context.Context, id string) error {
	c, err := ctl.store.GetCampaign(ctx, id)
	if err != nil {
		return err
	}
	if c.Status == model.CampaignRunning {
		return fmt.Errorf("campaign %s is running, pause or stop it first: %w", id, model.ErrInvalidState)
	}
	if err := ctl.store.DeleteCampaign(ctx, id); err != nil {
		return err
	}
	ctl.record(ctx, model.ActivityCampaignDeleted, id, fmt.Sprintf("Campaign %q deleted", c.Name))
	return nil
}

// UploadList parses numbers from r and stores them as a new list awaiting
// verification.
func (ctl *Controller) UploadList(ctx context.Context, name string, r io.Reader) (model.ContactList, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.ContactList{}, model.Invalid("name", "is required")
	}
	phones, err := phone.ParseList(r)
	if err != nil {
		return model.ContactList{}, model.Invalid("numbers", "could not read numbers: %v", err)
	}
	if len(phones) == 0 {
		return model.ContactList{}, model.Invalid("numbers", "no phone numbers found")
	}
	l, err := ctl.store.CreateContactList(ctx, name, phones)
	if err != nil {
		return l, err
	}
	ctl.record(ctx, model.ActivityContactsUploaded, l.ID, fmt.Sprintf("Uploaded %d numbers to %s", l.TotalNumbers, l.Name))
	return l, nil
}

func (ctl *Controller) VerifyList(ctx context.Context, listID, accountID string) (verifier.Report, error) {
	return ctl.verifier.Verify(ctx, listID, accountID)
}

// PreflightVerify reports synchronously whether VerifyList could start.
func (ctl *Controller) PreflightVerify(ctx context.Context, listID, accountID string) error {
	return ctl.verifier.Preflight(ctx, listID, accountID)
}

func (ctl *Controller) GetList(ctx context.Context, id string) (model.ContactList, error) {
	return ctl.store.GetContactList(ctx, id)
}

func (ctl *Controller) Lists(ctx context.Context) ([]model.ContactList, error) {
	return ctl.store.ListContactLists(ctx)
}

func (ctl *Controller) Contacts(ctx context.Context, listID string, limit, offset int) ([]model.Contact, error) {
	if _, err := ctl.store.GetContactList(ctx, listID); err != nil {
		return nil, err
	}
	return ctl.store.ListContacts(ctx, listID, limit, offset)
}

// DeleteList removes a list with its contacts and campaigns, unless a
// running campaign still sends to it.
func (ctl *Controller) DeleteList(ctx context.Context, id string) error {
	l, err := ctl.store.GetContactList(ctx, id)
	if err != nil {
		return err
	}
	n, err := ctl.store.CountCampaignsForList(ctx, id, model.CampaignRunning)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("contact list %s is used by %d running campaign(s): %w", id, n, model.ErrInvalidState)
	}
	if err := ctl.store.DeleteContactList(ctx, id); err != nil {
		return err
	}
	ctl.record(ctx, model.ActivityContactListDeleted, id, fmt.Sprintf("Contact list %s deleted", l.Name))
	return nil
}

func (ctl *Controller) Activities(ctx context.Context, limit int) ([]model.Activity, error) {
	return ctl.store.ListActivities(ctx, limit)
}

// ActivitiesSince returns activities newer than afterID, oldest first.
func (ctl *Controller) ActivitiesSince(ctx context.Context, afterID int64, limit int) ([]model.Activity, error) {
	return ctl.store.ActivitiesSince(ctx, afterID, limit)
}

func (ctl *Controller) Stats(ctx context.Context) (model.Stats, error) {
	return ctl.store.StatsToday(ctx, time.Now())
}

func (ctl *Controller) record(ctx context.Context, typ, id, desc string) {
	if err := ctl.store.RecordActivity(ctx, typ, id, desc); err != nil {
		ctl.log.Warn().Err(err).Str("type", typ).Msg("failed to record activity")
	}
}
