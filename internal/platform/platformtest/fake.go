// Package platformtest provides an in-memory platform.Client for tests.
package platformtest

import (
	"context"
	"fmt"
	"sync"

	"outreach/internal/platform"
)

// Message is a send observed by the fake.
type Message struct {
	Session   string
	Recipient string
	Text      string
}

// Fake accepts Code for every login, asks for Password when it is set and
// reports numbers in Registered as present on the platform. The On* hooks
// override the default behaviour of a method when non-nil; they must be set
// before the fake is shared between goroutines.
type Fake struct {
	Code     string
	Password string

	OnSendAuthCode func(creds platform.Credentials) (platform.CodeResult, error)
	OnSubmitCode   func(handle, code string) (platform.SignInResult, error)
	OnPassword     func(handle, code, password string) (string, error)
	OnLookup       func(phone string) (platform.LookupResult, error)
	OnSend         func(session, recipient string) (platform.SendResult, error)

	mu         sync.Mutex
	registered map[string]bool
	calls      map[string]int
	sent       []Message
	seq        int
}

var _ platform.Client = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		Code:       "12345",
		registered: make(map[string]bool),
		calls:      make(map[string]int),
	}
}

// Register marks phones as present on the platform.
func (f *Fake) Register(phones ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range phones {
		f.registered[p] = true
	}
}

// Calls returns how many times method was invoked.
func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// Sent returns a copy of every successful send in call order.
func (f *Fake) Sent() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.sent...)
}

func (f *Fake) count(method string) {
	f.mu.Lock()
	f.calls[method]++
	f.mu.Unlock()
}

// SessionFor is the session the fake issues for a phone.
func SessionFor(phone string) string { return "session:" + phone }

// HandleFor is the code handle the fake issues for a phone.
func HandleFor(phone string) string { return "hash:" + phone }

func (f *Fake) SendAuthCode(ctx context.Context, creds platform.Credentials) (platform.CodeResult, error) {
	f.count("SendAuthCode")
	if err := ctx.Err(); err != nil {
		return platform.CodeResult{}, err
	}
	if f.OnSendAuthCode != nil {
		return f.OnSendAuthCode(creds)
	}
	return platform.CodeResult{Handle: HandleFor(creds.Phone)}, nil
}

func (f *Fake) SubmitAuthCode(ctx context.Context, creds platform.Credentials, handle, code string) (platform.SignInResult, error) {
	f.count("SubmitAuthCode")
	if err := ctx.Err(); err != nil {
		return platform.SignInResult{}, err
	}
	if f.OnSubmitCode != nil {
		return f.OnSubmitCode(handle, code)
	}
	if handle != HandleFor(creds.Phone) || code != f.Code {
		return platform.SignInResult{}, platform.ErrInvalidCode
	}
	if f.Password != "" {
		return platform.SignInResult{NeedsPassword: true}, nil
	}
	return platform.SignInResult{Session: SessionFor(creds.Phone)}, nil
}

func (f *Fake) SubmitPassword(ctx context.Context, creds platform.Credentials, handle, code, password string) (string, error) {
	f.count("SubmitPassword")
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if f.OnPassword != nil {
		return f.OnPassword(handle, code, password)
	}
	if handle != HandleFor(creds.Phone) || code != f.Code {
		return "", platform.ErrInvalidCode
	}
	if password != f.Password {
		return "", platform.ErrInvalidPassword
	}
	return SessionFor(creds.Phone), nil
}

func (f *Fake) LookupContact(ctx context.Context, session, phone string) (platform.LookupResult, error) {
	f.count("LookupContact")
	if err := ctx.Err(); err != nil {
		return platform.LookupResult{}, err
	}
	if f.OnLookup != nil {
		return f.OnLookup(phone)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return platform.LookupResult{Registered: f.registered[phone]}, nil
}

func (f *Fake) SendMessage(ctx context.Context, session, recipient, text string) (platform.SendResult, error) {
	f.count("SendMessage")
	if err := ctx.Err(); err != nil {
		return platform.SendResult{}, err
	}
	if f.OnSend != nil {
		res, err := f.OnSend(session, recipient)
		if err != nil {
			return res, err
		}
		f.record(session, recipient, text)
		return res, nil
	}
	id := f.record(session, recipient, text)
	return platform.SendResult{MessageID: id, Delivered: true}, nil
}

func (f *Fake) record(session, recipient, text string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	f.sent = append(f.sent, Message{Session: session, Recipient: recipient, Text: text})
	return fmt.Sprintf("msg-%d", f.seq)
}
