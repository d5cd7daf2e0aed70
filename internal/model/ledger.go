package model

import "time"

// Account is the per-owner token ledger entry
type Account struct {
	OwnerID          string    `json:"owner_id"`
	RenewableBalance int64     `json:"renewable_balance"`
	PermanentBalance int64     `json:"permanent_balance"`
	Plan             Plan      `json:"plan"`
	Version          int64     `json:"-"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Total is the spendable balance across both pools.
func (a *Account) Total() int64 {
	return a.RenewableBalance + a.PermanentBalance
}

// Draw is how a charge was split between the two pools
type Draw struct {
	Renewable int64 `json:"renewable"`
	Permanent int64 `json:"permanent"`
}

// Total is the number of tokens actually drawn.
func (d Draw) Total() int64 {
	return d.Renewable + d.Permanent
}

// IsZero reports whether nothing was drawn.
func (d Draw) IsZero() bool {
	return d.Renewable == 0 && d.Permanent == 0
}

// PlanDraw splits amount across the pools, renewable first.
// ok is false when the account cannot cover the amount; no partial draw is returned.
func PlanDraw(a *Account, amount int64) (d Draw, ok bool) {
	if amount <= 0 {
		return Draw{}, true
	}
	if a.Total() < amount {
		return Draw{}, false
	}
	fromRenewable := min(a.RenewableBalance, amount)
	return Draw{Renewable: fromRenewable, Permanent: amount - fromRenewable}, true
}

// UsageRecord is an append-only billing fact
type UsageRecord struct {
	ID             string    `json:"id"`
	OwnerID        string    `json:"owner_id"`
	Kind           UsageKind `json:"kind"`
	AmountCharged  int64     `json:"amount_charged"`
	NominalAmount  int64     `json:"nominal_amount"`
	RenewableDelta int64     `json:"renewable_delta"`
	PermanentDelta int64     `json:"permanent_delta"`
	JobReference   string    `json:"job_reference"`
	PlanAtTime     Plan      `json:"plan_at_time"`
	CreatedAt      time.Time `json:"timestamp"`
}

// AccountResponse is returned by GET /api/account
type AccountResponse struct {
	OwnerID          string `json:"owner_id"`
	Plan             Plan   `json:"plan"`
	RenewableBalance int64  `json:"renewable_balance"`
	PermanentBalance int64  `json:"permanent_balance"`
	TotalBalance     int64  `json:"total_balance"`
}
