package identity

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/knowyourmechanic/kym-api/internal/apperr"
	"github.com/knowyourmechanic/kym-api/internal/otp"
	"github.com/knowyourmechanic/kym-api/internal/validation"
)

// garageListLimit bounds the public garage directory.
const garageListLimit = 50

// ErrInvalidPhone is returned for anything but a 10-digit phone number.
var ErrInvalidPhone = apperr.New(apperr.KindValidation, "please provide a valid 10-digit phone number")

// Service resolves phone-keyed identities and merges profile patches.
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService creates a new identity service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// ResolveOrCreate returns the user owning phone, creating one with
// defaultRole when none exists. The boolean reports whether it was created.
// Concurrent first calls for the same phone converge on a single user.
func (s *Service) ResolveOrCreate(ctx context.Context, phone string, defaultRole Role) (User, bool, error) {
	if !validation.IsPhone(phone) {
		return User{}, false, ErrInvalidPhone
	}
	if defaultRole == "" {
		defaultRole = RoleCustomer
	}
	if err := defaultRole.valid(); err != nil {
		return User{}, false, apperr.Wrap(apperr.KindValidation, err, "role must be one of: customer, garage")
	}

	user, err := s.repo.FindByPhone(ctx, phone)
	if err == nil {
		return user, false, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return User{}, false, err
	}

	user = User{
		ID:        uuid.New().String(),
		Phone:     phone,
		CreatedAt: s.now().UTC(),
	}
	user.setRole(defaultRole)
	if err := s.repo.Create(ctx, user); err != nil {
		if errors.Is(err, ErrDuplicatePhone) {
			// Lost the creation race; the winner's row is the identity.
			existing, findErr := s.repo.FindByPhone(ctx, phone)
			return existing, false, findErr
		}
		return User{}, false, err
	}
	return user, true, nil
}

// Get fetches a user by id.
func (s *Service) Get(ctx context.Context, id string) (User, error) {
	return s.repo.FindByID(ctx, id)
}

// FindByPhone fetches a user by phone without creating one.
func (s *Service) FindByPhone(ctx context.Context, phone string) (User, error) {
	if !validation.IsPhone(phone) {
		return User{}, ErrInvalidPhone
	}
	return s.repo.FindByPhone(ctx, phone)
}

// MergeProfile applies the non-empty fields of patch to the user atomically.
func (s *Service) MergeProfile(ctx context.Context, id string, patch ProfilePatch, policy RolePolicy) (User, error) {
	if patch.Location != nil {
		if err := validation.Struct(patch.Location); err != nil {
			return User{}, err
		}
	}
	if patch.Role != "" {
		if err := patch.Role.valid(); err != nil {
			return User{}, apperr.Wrap(apperr.KindValidation, err, "role must be one of: customer, garage")
		}
	}
	if patch.Empty() {
		return s.repo.FindByID(ctx, id)
	}
	return s.repo.Update(ctx, id, func(u *User) error {
		return patch.apply(u, policy)
	})
}

// SetLoginOTP overwrites any outstanding login code for the user.
func (s *Service) SetLoginOTP(ctx context.Context, id string, slot otp.Slot) error {
	return s.repo.SetOTP(ctx, id, slot)
}

// ConsumeLoginOTP clears the slot holding hash. A slot that was already
// consumed or replaced reports an invalid code.
func (s *Service) ConsumeLoginOTP(ctx context.Context, id, hash string) error {
	ok, err := s.repo.ConsumeOTP(ctx, id, hash)
	if err != nil {
		return err
	}
	if !ok {
		return otp.ErrInvalidCode
	}
	return nil
}

// ListGarages returns the garage directory sorted by completed services.
func (s *Service) ListGarages(ctx context.Context) ([]User, error) {
	return s.repo.ListGarages(ctx, garageListLimit)
}

// PublicGarage returns the garage with the given id, or not_found when the
// id is unknown or belongs to a customer.
func (s *Service) PublicGarage(ctx context.Context, id string) (User, error) {
	user, err := s.repo.FindByID(ctx, id)
	if errors.Is(err, ErrUserNotFound) || (err == nil && !user.IsGarage()) {
		return User{}, apperr.New(apperr.KindNotFound, "garage not found")
	}
	return user, err
}
