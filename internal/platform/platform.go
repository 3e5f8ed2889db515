// Package platform describes the messaging platform the accounts log in to.
//
// Every method is a blocking network call. Callers bound each one with its
// own context deadline; implementations must honour ctx.
package platform

import "context"

// Credentials identify the application and phone an account logs in with.
type Credentials struct {
	Phone   string
	APIID   string
	APIHash string
}

// CodeResult is returned by SendAuthCode. Authorized is set when the platform
// recognised an existing login and skipped the code step.
type CodeResult struct {
	Handle     string
	Authorized bool
	Session    string
}

// SignInResult is returned by SubmitAuthCode.
type SignInResult struct {
	Session       string
	NeedsPassword bool
}

type LookupResult struct {
	Registered bool
}

type SendResult struct {
	MessageID string
	Delivered bool
}

type Client interface {
	SendAuthCode(ctx context.Context, creds Credentials) (CodeResult, error)
	SubmitAuthCode(ctx context.Context, creds Credentials, handle, code string) (SignInResult, error)
	// SubmitPassword completes a second-factor login. Some protocol variants
	// need the original code replayed alongside the password.
	SubmitPassword(ctx context.Context, creds Credentials, handle, code, password string) (string, error)
	LookupContact(ctx context.Context, session, phone string) (LookupResult, error)
	SendMessage(ctx context.Context, session, recipient, text string) (SendResult, error)
}
