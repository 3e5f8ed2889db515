// Package storagetest opens throwaway in-memory stores and seeds fixtures.
package storagetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"outreach/internal/model"
	"outreach/internal/storage"
)

// New opens a private in-memory database that lives until the test ends.
func New(t testing.TB) *storage.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=on", uuid.NewString())
	s, err := storage.Open(dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// AddAccount creates an unauthenticated account with test credentials.
func AddAccount(t testing.TB, s *storage.Store, phone string, dailyLimit int) model.Account {
	t.Helper()
	a := model.Account{Label: "acc " + phone, Phone: phone, APIID: "1001", APIHash: "hash", DailyLimit: dailyLimit}
	if err := s.CreateAccount(context.Background(), &a); err != nil {
		t.Fatalf("create account: %v", err)
	}
	return a
}

// AddAuthorized creates an authorized account whose session is session:<phone>,
// with sentToday already used today.
func AddAuthorized(t testing.TB, s *storage.Store, phone string, dailyLimit, sentToday int) model.Account {
	t.Helper()
	a := AddAccount(t, s, phone, dailyLimit)
	ctx := context.Background()
	session := "session:" + phone
	if err := s.SaveAuthState(ctx, a.ID, model.AuthState{Status: model.AccountAuthorized, Session: session}); err != nil {
		t.Fatalf("authorize account: %v", err)
	}
	if _, err := s.DB.ExecContext(ctx, `UPDATE accounts SET sent_today = ?, last_reset_date = ? WHERE id = ?`,
		sentToday, storage.Day(time.Now()), a.ID); err != nil {
		t.Fatalf("set sent_today: %v", err)
	}
	got, err := s.GetAccount(ctx, a.ID)
	if err != nil {
		t.Fatalf("reload account: %v", err)
	}
	return got
}

// AddVerifiedList creates a completed list where every number is verified and
// reachable.
func AddVerifiedList(t testing.TB, s *storage.Store, phones ...string) model.ContactList {
	t.Helper()
	ctx := context.Background()
	l, err := s.CreateContactList(ctx, "list", phones)
	if err != nil {
		t.Fatalf("create list: %v", err)
	}
	contacts, err := s.UncheckedContacts(ctx, l.ID, len(phones)+1)
	if err != nil {
		t.Fatalf("load contacts: %v", err)
	}
	for i := range contacts {
		contacts[i].Verified = true
		contacts[i].Reachable = true
	}
	if err := s.SaveContactResults(ctx, l.ID, contacts, time.Now()); err != nil {
		t.Fatalf("save results: %v", err)
	}
	if err := s.SetContactListStatus(ctx, l.ID, model.ListCompleted, ""); err != nil {
		t.Fatalf("complete list: %v", err)
	}
	got, err := s.GetContactList(ctx, l.ID)
	if err != nil {
		t.Fatalf("reload list: %v", err)
	}
	return got
}

// AddCampaign creates a draft campaign targeting every reachable contact of l.
func AddCampaign(t testing.TB, s *storage.Store, l model.ContactList, message string) model.Campaign {
	t.Helper()
	c := model.Campaign{Name: "campaign", ListID: l.ID, Message: message, TotalTargets: l.ReachableNumbers}
	if err := s.CreateCampaign(context.Background(), &c); err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	return c
}

// Phones returns n distinct valid numbers starting at base.
func Phones(base, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("+1202555%04d", base+i)
	}
	return out
}
