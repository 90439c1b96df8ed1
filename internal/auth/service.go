package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/knowyourmechanic/kym-api/internal/apperr"
	"github.com/knowyourmechanic/kym-api/internal/identity"
	"github.com/knowyourmechanic/kym-api/internal/notification"
	"github.com/knowyourmechanic/kym-api/internal/otp"
)

// Options tunes the login flow.
type Options struct {
	AppName     string
	LoginWindow time.Duration
	// Diagnostic returns plaintext codes to the caller. Never enable in production.
	Diagnostic bool
}

// Service runs phone OTP and federated login and issues bearer tokens.
type Service struct {
	users      *identity.Service
	tokens     *TokenManager
	codes      *otp.Issuer
	dispatcher *notification.Dispatcher
	opts       Options
}

// NewService wires the login flow.
func NewService(users *identity.Service, tokens *TokenManager, codes *otp.Issuer, dispatcher *notification.Dispatcher, opts Options) *Service {
	if opts.LoginWindow <= 0 {
		opts.LoginWindow = otp.LoginWindow
	}
	if opts.AppName == "" {
		opts.AppName = "KnowyourMechanic"
	}
	return &Service{users: users, tokens: tokens, codes: codes, dispatcher: dispatcher, opts: opts}
}

// SendResult is returned by SendLoginOTP.
type SendResult struct {
	IsNewUser bool
	DevOTP    string
}

// LoginResult is returned by a successful login.
type LoginResult struct {
	Token     string
	IsNewUser bool
	User      identity.User
}

// SendLoginOTP resolves or creates the account for phone and overwrites its
// login code. A delivery failure is reported after the code is stored.
func (s *Service) SendLoginOTP(ctx context.Context, phone string, role identity.Role) (SendResult, error) {
	user, _, err := s.users.ResolveOrCreate(ctx, phone, role)
	if err != nil {
		return SendResult{}, err
	}
	code, err := s.codes.Issue(otp.PurposeLogin, s.opts.LoginWindow)
	if err != nil {
		return SendResult{}, apperr.Wrap(apperr.KindInternal, err, "issue login otp")
	}
	if err := s.users.SetLoginOTP(ctx, user.ID, code.Slot()); err != nil {
		return SendResult{}, err
	}

	res := SendResult{IsNewUser: !user.ProfileComplete()}
	if s.opts.Diagnostic {
		res.DevOTP = code.Plain
	}
	msg := notification.Message{
		Kind:        notification.KindLoginOTP,
		Destination: phone,
		Body: fmt.Sprintf("Your %s login code is %s. It expires in %d minutes.",
			s.opts.AppName, code.Plain, int(s.opts.LoginWindow.Minutes())),
	}
	if err := s.dispatcher.Deliver(ctx, msg); err != nil {
		return res, err
	}
	return res, nil
}

// VerifyInput carries a login code and an optional profile patch.
type VerifyInput struct {
	Phone string
	Code  string
	Patch identity.ProfilePatch
}

// VerifyLoginOTP checks the code, consumes it and applies the patch. Since
// the caller just proved phone possession, the patch may change the role.
func (s *Service) VerifyLoginOTP(ctx context.Context, in VerifyInput) (LoginResult, error) {
	if in.Phone == "" || in.Code == "" {
		return LoginResult{}, apperr.New(apperr.KindValidation, "phone and otp are required")
	}
	user, err := s.users.FindByPhone(ctx, in.Phone)
	if errors.Is(err, identity.ErrUserNotFound) {
		return LoginResult{}, apperr.New(apperr.KindNotFound, "user not found, please request an OTP first")
	}
	if err != nil {
		return LoginResult{}, err
	}
	if err := s.codes.Verify(in.Code, user.OTP); err != nil {
		return LoginResult{}, err
	}
	if err := s.users.ConsumeLoginOTP(ctx, user.ID, user.OTP.Hash); err != nil {
		return LoginResult{}, err
	}

	user, err = s.users.MergeProfile(ctx, user.ID, in.Patch, identity.RoleChangeVerified)
	if err != nil {
		return LoginResult{}, err
	}
	return s.login(user, false)
}

// FederatedInput carries a phone already verified by the identity provider.
type FederatedInput struct {
	Phone string
	UID   string
	Role  identity.Role
	Patch identity.ProfilePatch
}

// FederatedLogin trusts the provider's phone verification. Existing accounts
// may update their profile but not their role; that needs verify-otp.
func (s *Service) FederatedLogin(ctx context.Context, in FederatedInput) (LoginResult, error) {
	if in.Phone == "" || in.UID == "" {
		return LoginResult{}, apperr.New(apperr.KindValidation, "phone and uid are required")
	}
	user, created, err := s.users.ResolveOrCreate(ctx, in.Phone, in.Role)
	if err != nil {
		return LoginResult{}, err
	}
	patch := in.Patch
	patch.Role = in.Role
	user, err = s.users.MergeProfile(ctx, user.ID, patch, identity.RoleChangeDenied)
	if err != nil {
		return LoginResult{}, err
	}
	return s.login(user, created)
}

// Me returns the account behind an authenticated request.
func (s *Service) Me(ctx context.Context, id string) (identity.User, error) {
	return s.users.Get(ctx, id)
}

func (s *Service) login(user identity.User, created bool) (LoginResult, error) {
	token, err := s.tokens.Issue(user)
	if err != nil {
		return LoginResult{}, apperr.Wrap(apperr.KindInternal, err, "issue token")
	}
	return LoginResult{Token: token, IsNewUser: created, User: user}, nil
}
