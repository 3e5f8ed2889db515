// Package inbox keeps the messages people send back to our accounts. The
// platform bridge pushes each one in as it arrives.
package inbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"outreach/internal/logging"
	"outreach/internal/model"
	"outreach/internal/phone"
	"outreach/internal/storage"
)

// DefaultLimit is how many messages List returns when asked for none.
const DefaultLimit = 100

const maxLimit = 500

type Inbox struct {
	store *storage.Store
	log   zerolog.Logger
}

func New(store *storage.Store, log zerolog.Logger) *Inbox {
	return &Inbox{store: store, log: logging.Component(log, "inbox")}
}

// Message is an inbound message as the bridge reports it.
type Message struct {
	AccountID     string
	FromPhone     string
	FromUsername  string
	FromFirstName string
	FromLastName  string
	Text          string
	Type          string
	ChatID        int64
	MessageID     int64
	ReceivedAt    time.Time
}

// Receive stores an inbound message for one of our accounts. Deliveries
// are idempotent per chat and message id: a repeat returns the stored
// message with created false and records nothing.
func (in *Inbox) Receive(ctx context.Context, msg Message) (model.IncomingMessage, bool, error) {
	m := model.IncomingMessage{
		AccountID:     msg.AccountID,
		FromPhone:     senderPhone(msg.FromPhone),
		FromUsername:  strings.TrimPrefix(strings.TrimSpace(msg.FromUsername), "@"),
		FromFirstName: strings.TrimSpace(msg.FromFirstName),
		FromLastName:  strings.TrimSpace(msg.FromLastName),
		MessageText:   msg.Text,
		MessageType:   kind(msg.Type, msg.Text),
		ChatID:        msg.ChatID,
		MessageID:     msg.MessageID,
		ReceivedAt:    msg.ReceivedAt,
	}
	switch {
	case m.AccountID == "":
		return m, false, model.Invalid("account_id", "is required")
	case m.ChatID == 0:
		return m, false, model.Invalid("chat_id", "is required")
	case m.MessageID <= 0:
		return m, false, model.Invalid("message_id", "must be positive")
	case m.FromPhone == "" && m.FromUsername == "":
		return m, false, model.Invalid("from_phone", "from_phone or from_username is required")
	case m.FromPhone != "" && !phone.Valid(m.FromPhone):
		return m, false, model.Invalid("from_phone", "must be in international format like +12025550100")
	}

	acc, err := in.store.GetAccount(ctx, m.AccountID)
	if err != nil {
		return m, false, err
	}
	created, err := in.store.SaveIncomingMessage(ctx, &m)
	if err != nil || !created {
		return m, false, err
	}

	desc := fmt.Sprintf("Message from %s to %s", DisplayName(m), acc.Phone)
	if err := in.store.RecordActivity(ctx, model.ActivityMessageReceived, m.ID, desc); err != nil {
		in.log.Warn().Err(err).Str("message", m.ID).Msg("failed to record activity")
	}
	in.log.Info().Str("account", acc.ID).Int64("chat", m.ChatID).Str("type", m.MessageType).Msg("message received")
	return m, true, nil
}

// List returns the newest messages first, optionally for one account.
func (in *Inbox) List(ctx context.Context, accountID string, limit int) ([]model.IncomingMessage, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return in.store.ListIncomingMessages(ctx, accountID, min(limit, maxLimit))
}

func (in *Inbox) Get(ctx context.Context, id string) (model.IncomingMessage, error) {
	return in.store.GetIncomingMessage(ctx, id)
}

func (in *Inbox) Delete(ctx context.Context, id string) error {
	return in.store.DeleteIncomingMessage(ctx, id)
}

// DisplayName is the sender's full name, else @username, else the number.
func DisplayName(m model.IncomingMessage) string {
	if name := strings.TrimSpace(m.FromFirstName + " " + m.FromLastName); name != "" {
		return name
	}
	if m.FromUsername != "" {
		return "@" + m.FromUsername
	}
	return m.FromPhone
}

// senderPhone normalizes the sender's number. The platform reports it
// without the leading plus.
func senderPhone(s string) string {
	p := phone.Normalize(s)
	if p != "" && !strings.HasPrefix(p, "+") {
		p = "+" + p
	}
	return p
}

// kind maps the bridge's media type onto ours. Untyped messages are text
// when they carry any.
func kind(typ, text string) string {
	switch t := strings.ToLower(strings.TrimSpace(typ)); t {
	case model.MessageText, model.MessagePhoto, model.MessageVideo, model.MessageDocument:
		return t
	case "":
		if text != "" {
			return model.MessageText
		}
	}
	return model.MessageOther
}
