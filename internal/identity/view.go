package identity

import (
	"time"
)

// UserResponse is the JSON view of an account returned to its owner.
type UserResponse struct {
	ID                string    `json:"id"`
	Phone             string    `json:"phone"`
	Name              string    `json:"name"`
	Role              Role      `json:"role"`
	GarageName        string    `json:"garageName,omitempty"`
	Address           string    `json:"address,omitempty"`
	Location          *Location `json:"location,omitempty"`
	ServicesOffered   []string  `json:"servicesOffered,omitempty"`
	PhotoURL          string    `json:"photoUrl,omitempty"`
	TotalServices     int64     `json:"totalServices"`
	TotalEarnings     int64     `json:"totalEarnings"`
	Rating            float64   `json:"rating"`
	IsProfileComplete bool      `json:"isProfileComplete"`
	CreatedAt         time.Time `json:"createdAt"`
}

// NewUserResponse renders u for its owner. OTP material is never included.
func NewUserResponse(u User) UserResponse {
	resp := UserResponse{
		ID:                u.ID,
		Phone:             u.Phone,
		Name:              u.Name,
		Role:              u.Role,
		TotalServices:     u.Stats.TotalServices,
		TotalEarnings:     u.Stats.TotalEarnings,
		Rating:            u.Stats.Rating,
		IsProfileComplete: u.ProfileComplete(),
		CreatedAt:         u.CreatedAt,
	}
	if g := u.Garage; g != nil {
		resp.GarageName = g.GarageName
		resp.Address = g.Address
		resp.Location = g.Location
		resp.ServicesOffered = g.ServicesOffered
		resp.PhotoURL = g.PhotoURL
	}
	return resp
}

// GarageResponse is the public directory view of a garage.
type GarageResponse struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	GarageName      string    `json:"garageName"`
	Address         string    `json:"address"`
	Location        *Location `json:"location,omitempty"`
	ServicesOffered []string  `json:"servicesOffered"`
	PhotoURL        string    `json:"photoUrl,omitempty"`
	TotalServices   int64     `json:"totalServices"`
	Rating          float64   `json:"rating"`
}

// NewGarageResponse renders the public half of a garage account.
func NewGarageResponse(u User) GarageResponse {
	resp := GarageResponse{
		ID:              u.ID,
		Name:            u.Name,
		TotalServices:   u.Stats.TotalServices,
		Rating:          u.Stats.Rating,
		ServicesOffered: []string{},
	}
	if g := u.Garage; g != nil {
		resp.GarageName = g.GarageName
		resp.Address = g.Address
		resp.Location = g.Location
		resp.PhotoURL = g.PhotoURL
		if g.ServicesOffered != nil {
			resp.ServicesOffered = g.ServicesOffered
		}
	}
	return resp
}
