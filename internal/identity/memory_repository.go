package identity

import (
	"context"
	"sort"
	"sync"

	"github.com/knowyourmechanic/kym-api/internal/otp"
)

// MemoryRepository is an in-memory user store for development and tests. It
// also implements CounterStore for the in-memory ledger.
type MemoryRepository struct {
	mu      sync.RWMutex
	users   map[string]User
	byPhone map[string]string
}

// NewMemoryRepository builds an in-memory user store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{users: make(map[string]User), byPhone: make(map[string]string)}
}

func (r *MemoryRepository) Create(_ context.Context, user User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byPhone[user.Phone]; exists {
		return ErrDuplicatePhone
	}
	r.users[user.ID] = user.clone()
	r.byPhone[user.Phone] = user.ID
	return nil
}

func (r *MemoryRepository) FindByID(_ context.Context, id string) (User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	user, ok := r.users[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user.clone(), nil
}

func (r *MemoryRepository) FindByPhone(_ context.Context, phone string) (User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byPhone[phone]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return r.users[id].clone(), nil
}

func (r *MemoryRepository) Update(_ context.Context, id string, fn func(u *User) error) (User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.users[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	next := current.clone()
	if err := fn(&next); err != nil {
		return User{}, err
	}
	if err := next.Role.valid(); err != nil {
		return User{}, err
	}
	// Only profile fields are writable through Update.
	next.ID, next.Phone, next.Stats, next.OTP, next.CreatedAt = current.ID, current.Phone, current.Stats, current.OTP, current.CreatedAt
	r.users[id] = next.clone()
	return next, nil
}

func (r *MemoryRepository) SetOTP(_ context.Context, id string, slot otp.Slot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[id]
	if !ok {
		return ErrUserNotFound
	}
	user.OTP = slot
	r.users[id] = user
	return nil
}

func (r *MemoryRepository) ConsumeOTP(_ context.Context, id, hash string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[id]
	if !ok {
		return false, ErrUserNotFound
	}
	if user.OTP.Empty() || user.OTP.Hash != hash {
		return false, nil
	}
	user.OTP = otp.Slot{}
	r.users[id] = user
	return true, nil
}

func (r *MemoryRepository) ListGarages(_ context.Context, limit int) ([]User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []User
	for _, u := range r.users {
		if u.IsGarage() {
			out = append(out, u.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Stats.TotalServices != out[j].Stats.TotalServices {
			return out[i].Stats.TotalServices > out[j].Stats.TotalServices
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// IncrementServiceStats adds one completed service and amount to the garage.
func (r *MemoryRepository) IncrementServiceStats(_ context.Context, id string, amount int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[id]
	if !ok {
		return ErrUserNotFound
	}
	user.Stats.TotalServices++
	user.Stats.TotalEarnings += amount
	r.users[id] = user
	return nil
}

// SetRating is a test helper; ratings have no write path in the API.
func (r *MemoryRepository) SetRating(id string, rating float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if user, ok := r.users[id]; ok {
		user.Stats.Rating = rating
		r.users[id] = user
	}
}
