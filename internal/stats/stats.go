// Package stats derives garage rollups from the ledger on every request.
package stats

import (
	"context"

	"github.com/knowyourmechanic/kym-api/internal/identity"
	"github.com/knowyourmechanic/kym-api/internal/ledger"
)

// TotalsSource exposes the ledger aggregates for one garage.
type TotalsSource interface {
	Totals(ctx context.Context, garageID string) (ledger.Totals, error)
}

// UserSource resolves the garage identity for its rating.
type UserSource interface {
	Get(ctx context.Context, id string) (identity.User, error)
}

// GarageStats is the dashboard summary for a garage.
type GarageStats struct {
	TotalServices int64   `json:"totalServices"`
	TotalEarnings int64   `json:"totalEarnings"`
	PendingCount  int64   `json:"pendingCount"`
	Rating        float64 `json:"rating"`
}

// Aggregator computes GarageStats. It keeps no cache.
type Aggregator struct {
	records TotalsSource
	users   UserSource
}

// NewAggregator builds an aggregator over the ledger and identity services.
func NewAggregator(records TotalsSource, users UserSource) *Aggregator {
	return &Aggregator{records: records, users: users}
}

// ComputeGarageStats counts completed records, sums their amounts, counts
// records still pending and reports the garage's current rating.
func (a *Aggregator) ComputeGarageStats(ctx context.Context, garageID string) (GarageStats, error) {
	garage, err := a.users.Get(ctx, garageID)
	if err != nil {
		return GarageStats{}, err
	}
	totals, err := a.records.Totals(ctx, garageID)
	if err != nil {
		return GarageStats{}, err
	}
	return GarageStats{
		TotalServices: totals.Completed,
		TotalEarnings: totals.Earnings,
		PendingCount:  totals.Pending,
		Rating:        garage.Stats.Rating,
	}, nil
}
