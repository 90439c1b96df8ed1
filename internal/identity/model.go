package identity

import (
	"fmt"
	"strings"
	"time"

	"github.com/knowyourmechanic/kym-api/internal/apperr"
	"github.com/knowyourmechanic/kym-api/internal/otp"
)

// Role is the closed set of account kinds.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleGarage   Role = "garage"
)

// ParseRole accepts "customer" or "garage" case-insensitively.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleCustomer:
		return RoleCustomer, nil
	case RoleGarage:
		return RoleGarage, nil
	default:
		return "", apperr.New(apperr.KindValidation, "role must be one of: customer, garage")
	}
}

// Location is a garage geolocation.
type Location struct {
	Lat float64 `json:"lat" validate:"latitude"`
	Lng float64 `json:"lng" validate:"longitude"`
}

// GarageProfile holds the fields only garages carry.
type GarageProfile struct {
	GarageName      string
	Address         string
	Location        *Location
	ServicesOffered []string
	PhotoURL        string
}

// Stats are the aggregate counters maintained by ledger completion.
type Stats struct {
	TotalServices int64
	TotalEarnings int64
	Rating        float64
}

// User is a phone-keyed account. Garage is non-nil iff Role is RoleGarage.
type User struct {
	ID        string
	Phone     string
	Name      string
	Role      Role
	Garage    *GarageProfile
	Stats     Stats
	OTP       otp.Slot
	CreatedAt time.Time
}

// IsGarage reports whether the user operates a garage.
func (u User) IsGarage() bool { return u.Role == RoleGarage }

// ProfileComplete reports whether the user has set a display name.
func (u User) ProfileComplete() bool { return u.Name != "" }

// DisplayName prefers the garage name for garages.
func (u User) DisplayName() string {
	if u.Garage != nil && u.Garage.GarageName != "" {
		return u.Garage.GarageName
	}
	return u.Name
}

func (u *User) setRole(r Role) {
	u.Role = r
	switch r {
	case RoleGarage:
		if u.Garage == nil {
			u.Garage = &GarageProfile{}
		}
	default:
		u.Garage = nil
	}
}

func (u User) clone() User {
	if u.Garage != nil {
		g := *u.Garage
		if g.Location != nil {
			loc := *g.Location
			g.Location = &loc
		}
		g.ServicesOffered = append([]string(nil), g.ServicesOffered...)
		u.Garage = &g
	}
	return u
}

// ProfilePatch names the optional fields a profile merge may set. Empty
// values mean "leave untouched".
type ProfilePatch struct {
	Name            string
	Role            Role
	GarageName      string
	Address         string
	ServicesOffered []string
	Location        *Location
	PhotoURL        string
}

// Empty reports whether the patch carries no fields.
func (p ProfilePatch) Empty() bool {
	return p.Name == "" && p.Role == "" && p.GarageName == "" && p.Address == "" &&
		len(p.ServicesOffered) == 0 && p.Location == nil && p.PhotoURL == ""
}

// RolePolicy controls whether a merge may reassign the role of an existing user.
type RolePolicy int

const (
	// RoleChangeDenied rejects a patch that would change the current role.
	RoleChangeDenied RolePolicy = iota
	// RoleChangeVerified permits it; only used right after a fresh OTP check.
	RoleChangeVerified
)

// apply merges p into u. Garage fields are ignored for customers.
func (p ProfilePatch) apply(u *User, policy RolePolicy) error {
	if p.Role != "" && p.Role != u.Role {
		if policy != RoleChangeVerified {
			return apperr.New(apperr.KindForbidden, "changing role from %s to %s requires OTP re-verification", u.Role, p.Role)
		}
		u.setRole(p.Role)
	}
	if p.Name != "" {
		u.Name = p.Name
	}
	if u.Garage == nil {
		return nil
	}
	if p.GarageName != "" {
		u.Garage.GarageName = p.GarageName
	}
	if p.Address != "" {
		u.Garage.Address = p.Address
	}
	if len(p.ServicesOffered) > 0 {
		u.Garage.ServicesOffered = append([]string(nil), p.ServicesOffered...)
	}
	if p.Location != nil {
		loc := *p.Location
		u.Garage.Location = &loc
	}
	if p.PhotoURL != "" {
		u.Garage.PhotoURL = p.PhotoURL
	}
	return nil
}

func (r Role) String() string { return string(r) }

func (r Role) valid() error {
	if r != RoleCustomer && r != RoleGarage {
		return fmt.Errorf("unknown role %q", string(r))
	}
	return nil
}
