// Package otp issues and verifies short numeric one-time codes. Codes are
// only ever stored as bcrypt hashes with an expiry; callers own the storage
// slot and must clear it after a successful verification.
package otp

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/knowyourmechanic/kym-api/internal/apperr"
)

// Purpose names the flow a code was issued for.
type Purpose string

const (
	PurposeLogin   Purpose = "login"
	PurposeService Purpose = "service_verification"
)

const (
	// LoginWindow and ServiceWindow are the default validity windows.
	LoginWindow   = 10 * time.Minute
	ServiceWindow = 15 * time.Minute

	defaultLength = 4
)

var (
	ErrExpired     = apperr.New(apperr.KindExpired, "OTP has expired, please request a new one")
	ErrInvalidCode = apperr.New(apperr.KindInvalidCode, "invalid OTP")
)

// Code is a freshly issued OTP. Plain must never be persisted.
type Code struct {
	Purpose   Purpose
	Plain     string
	Hash      string
	ExpiresAt time.Time
}

// Slot returns the persistable half of the code.
func (c Code) Slot() Slot {
	return Slot{Hash: c.Hash, ExpiresAt: c.ExpiresAt}
}

// Slot is the stored hash and expiry of an outstanding code.
type Slot struct {
	Hash      string
	ExpiresAt time.Time
}

// Empty reports whether there is no outstanding code.
func (s Slot) Empty() bool { return s.Hash == "" }

// Options configures an Issuer. Zero values fall back to defaults.
type Options struct {
	Length   int
	HashCost int
	Now      func() time.Time
	Random   io.Reader
}

// Issuer generates and checks codes.
type Issuer struct {
	length int
	cost   int
	now    func() time.Time
	random io.Reader
}

// NewIssuer builds an Issuer from opts.
func NewIssuer(opts Options) *Issuer {
	i := &Issuer{length: opts.Length, cost: opts.HashCost, now: opts.Now, random: opts.Random}
	if i.length <= 0 {
		i.length = defaultLength
	}
	if i.cost < bcrypt.MinCost || i.cost > bcrypt.MaxCost {
		i.cost = bcrypt.DefaultCost
	}
	if i.now == nil {
		i.now = time.Now
	}
	if i.random == nil {
		i.random = rand.Reader
	}
	return i
}

// Issue draws a new code valid for window from now.
func (i *Issuer) Issue(purpose Purpose, window time.Duration) (Code, error) {
	if window <= 0 {
		return Code{}, fmt.Errorf("otp window must be positive")
	}
	plain, err := i.generate()
	if err != nil {
		return Code{}, fmt.Errorf("generate otp: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), i.cost)
	if err != nil {
		return Code{}, fmt.Errorf("hash otp: %w", err)
	}
	return Code{
		Purpose:   purpose,
		Plain:     plain,
		Hash:      string(hash),
		ExpiresAt: i.now().UTC().Add(window),
	}, nil
}

// Verify checks candidate against slot. Expiry is checked before the hash.
func (i *Issuer) Verify(candidate string, slot Slot) error {
	if slot.Empty() {
		return ErrInvalidCode
	}
	if !i.now().Before(slot.ExpiresAt) {
		return ErrExpired
	}
	if candidate == "" {
		return ErrInvalidCode
	}
	if err := bcrypt.CompareHashAndPassword([]byte(slot.Hash), []byte(candidate)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrInvalidCode
		}
		return apperr.Wrap(apperr.KindInternal, err, "compare otp")
	}
	return nil
}

// Expired reports whether slot has passed its expiry.
func (i *Issuer) Expired(slot Slot) bool {
	return !i.now().Before(slot.ExpiresAt)
}

func (i *Issuer) generate() (string, error) {
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(i.length)), nil)
	n, err := rand.Int(i.random, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", i.length, n), nil
}
