package model

import "time"

// Account status constants for the login lifecycle.
const (
	AccountUnauthenticated      = "unauthenticated"
	AccountCodeSent             = "code_sent"
	AccountAwaitingSecondFactor = "awaiting_second_factor"
	AccountAuthorized           = "authorized"
	AccountFailed               = "failed"
	AccountBlocked              = "blocked"
)

// Contact list status.
const (
	ListProcessing = "processing"
	ListCompleted  = "completed"
	ListError      = "error"
)

// Campaign status.
const (
	CampaignDraft     = "draft"
	CampaignRunning   = "running"
	CampaignPaused    = "paused"
	CampaignCompleted = "completed"
	CampaignStopped   = "stopped"
)

// Send outcomes recorded in send_log.
const (
	OutcomeDelivered    = "delivered"
	OutcomeNotDelivered = "not_delivered"
	OutcomeError        = "error"
)

// Activity types.
const (
	ActivityAccountAdded          = "account_added"
	ActivityAccountDeleted        = "account_deleted"
	ActivityAuthCodeSent          = "auth_code_sent"
	ActivityAccountAuthorized     = "account_authorized"
	ActivityTestMessageSent       = "test_message_sent"
	ActivityContactsUploaded      = "contacts_uploaded"
	ActivityContactsVerified      = "contacts_verified"
	ActivityContactListDeleted    = "contact_list_deleted"
	ActivityCampaignCreated       = "campaign_created"
	ActivityCampaignStatusChanged = "campaign_status_changed"
	ActivityCampaignDeleted       = "campaign_deleted"
	ActivityMessageReceived       = "message_received"
)

// DefaultDailyLimit applies when an account is added without a limit.
const DefaultDailyLimit = 50

// MaxMessageLength bounds a campaign body, counted in code points.
const MaxMessageLength = 4096

// Account is a credentialed platform identity used for verification and sending.
//
// CodeHandle, PendingCode and Session hold the persisted login state:
// code_sent keeps CodeHandle, awaiting_second_factor keeps CodeHandle and
// PendingCode, authorized keeps Session. Other statuses keep none of them.
type Account struct {
	ID              string     `json:"id" db:"id"`
	Label           string     `json:"label" db:"label"`
	Phone           string     `json:"phone" db:"phone"`
	APIID           string     `json:"-" db:"api_id"`
	APIHash         string     `json:"-" db:"api_hash"`
	Status          string     `json:"status" db:"status"`
	DailyLimit      int        `json:"daily_limit" db:"daily_limit"`
	SentToday       int        `json:"sent_today" db:"sent_today"`
	LastResetDate   string     `json:"last_reset_date" db:"last_reset_date"`
	CodeHandle      string     `json:"-" db:"code_handle"`
	PendingCode     string     `json:"-" db:"pending_code"`
	Session         string     `json:"-" db:"session"`
	CooldownUntil   *time.Time `json:"cooldown_until,omitempty" db:"cooldown_until"`
	LastAuthAttempt *time.Time `json:"last_auth_attempt,omitempty" db:"last_auth_attempt"`
	LastError       string     `json:"last_error,omitempty" db:"last_error"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

// InCooldown reports whether the platform asked us to wait past now.
func (a Account) InCooldown(now time.Time) bool {
	return a.CooldownUntil != nil && now.Before(*a.CooldownUntil)
}

// EffectiveSentToday returns the quota used on the given UTC day.
// A counter last touched on an earlier day counts as zero.
func (a Account) EffectiveSentToday(today string) int {
	if a.LastResetDate < today {
		return 0
	}
	return a.SentToday
}

// AuthState is the slice of an account written by a login step.
type AuthState struct {
	Status          string
	CodeHandle      string
	PendingCode     string
	Session         string
	CooldownUntil   *time.Time
	LastAuthAttempt *time.Time
	LastError       string
}

// ContactList groups uploaded numbers and tracks verification progress.
type ContactList struct {
	ID               string    `json:"id" db:"id"`
	Name             string    `json:"name" db:"name"`
	Status           string    `json:"status" db:"status"`
	TotalNumbers     int       `json:"total_numbers" db:"total_numbers"`
	VerifiedNumbers  int       `json:"verified_numbers" db:"verified_numbers"`
	ReachableNumbers int       `json:"reachable_numbers" db:"reachable_numbers"`
	LastError        string    `json:"last_error,omitempty" db:"last_error"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time `json:"updated_at" db:"updated_at"`
}

// Contact is one number in a list. CheckedAt is set once the verifier has
// attempted it; the flags never change afterwards.
type Contact struct {
	ID        int64      `json:"id" db:"id"`
	ListID    string     `json:"list_id" db:"list_id"`
	Phone     string     `json:"phone" db:"phone"`
	Verified  bool       `json:"verified" db:"verified"`
	Reachable bool       `json:"reachable" db:"reachable"`
	CheckedAt *time.Time `json:"checked_at,omitempty" db:"checked_at"`
}

// Campaign sends one message to the reachable members of a contact list.
type Campaign struct {
	ID           string     `json:"id" db:"id"`
	Name         string     `json:"name" db:"name"`
	ListID       string     `json:"list_id" db:"list_id"`
	Message      string     `json:"message" db:"message"`
	Status       string     `json:"status" db:"status"`
	TotalTargets int        `json:"total_targets" db:"total_targets"`
	Sent         int        `json:"sent" db:"sent"`
	Delivered    int        `json:"delivered" db:"delivered"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty" db:"scheduled_for"`
	LastError    string     `json:"last_error,omitempty" db:"last_error"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

// Terminal reports whether no further batches may run.
func (c Campaign) Terminal() bool {
	return c.Status == CampaignCompleted || c.Status == CampaignStopped
}

// SendAttempt is one issued send, kept in send_log for audit and to know
// which contacts a campaign has already attempted.
type SendAttempt struct {
	ID             int64     `json:"id" db:"id"`
	CampaignID     string    `json:"campaign_id" db:"campaign_id"`
	ContactID      int64     `json:"contact_id" db:"contact_id"`
	AccountID      string    `json:"account_id" db:"account_id"`
	Recipient      string    `json:"recipient" db:"recipient"`
	Outcome        string    `json:"outcome" db:"outcome"`
	MessageID      string    `json:"message_id,omitempty" db:"message_id"`
	Error          string    `json:"error,omitempty" db:"error"`
	MessagePreview string    `json:"message_preview" db:"message_preview"`
	TS             time.Time `json:"ts" db:"ts"`
}

// Activity is an audit line shown to operators.
type Activity struct {
	ID          int64     `json:"id" db:"id"`
	Type        string    `json:"type" db:"type"`
	Description string    `json:"description" db:"description"`
	EntityID    string    `json:"entity_id,omitempty" db:"entity_id"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Incoming message kinds.
const (
	MessageText     = "text"
	MessagePhoto    = "photo"
	MessageVideo    = "video"
	MessageDocument = "document"
	MessageOther    = "other"
)

// IncomingMessage is a message the platform delivered to one of our
// accounts. ChatID and MessageID are the platform's own identifiers.
type IncomingMessage struct {
	ID            string    `json:"id" db:"id"`
	AccountID     string    `json:"account_id" db:"account_id"`
	FromPhone     string    `json:"from_phone" db:"from_phone"`
	FromUsername  string    `json:"from_username,omitempty" db:"from_username"`
	FromFirstName string    `json:"from_first_name,omitempty" db:"from_first_name"`
	FromLastName  string    `json:"from_last_name,omitempty" db:"from_last_name"`
	MessageText   string    `json:"message_text,omitempty" db:"message_text"`
	MessageType   string    `json:"message_type" db:"message_type"`
	ChatID        int64     `json:"chat_id" db:"chat_id"`
	MessageID     int64     `json:"message_id" db:"message_id"`
	ReceivedAt    time.Time `json:"received_at" db:"received_at"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// Stats summarises today's sending and account capacity.
type Stats struct {
	Accounts           int   `json:"accounts" db:"accounts"`
	AuthorizedAccounts int   `json:"authorized_accounts" db:"authorized_accounts"`
	DailyCapacity      int   `json:"daily_capacity" db:"daily_capacity"`
	SentToday          int   `json:"sent_today" db:"sent_today"`
	AttemptsToday      int64 `json:"attempts_today"`
	DeliveredToday     int64 `json:"delivered_today"`
	FailedToday        int64 `json:"failed_today"`
	RunningCampaigns   int   `json:"running_campaigns"`
}
