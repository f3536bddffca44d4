package models

import "time"

// DuesPayment records a membership fee payment. Amounts are integer minor
// units so that merges never round.
type DuesPayment struct {
	ID          string    `json:"id"`
	MemberID    string    `json:"member_id"`
	AmountCents int64     `json:"amount_cents"`
	Currency    string    `json:"currency"`
	PaidAt      time.Time `json:"paid_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (d *DuesPayment) Kind() EntityKind         { return KindDuesPayments }
func (d *DuesPayment) RecordID() string         { return d.ID }
func (d *DuesPayment) SetRecordID(id string)    { d.ID = id }
func (d *DuesPayment) BaseUpdatedAt() time.Time { return d.UpdatedAt }
func (d *DuesPayment) Rebase(t time.Time)       { d.UpdatedAt = t }

func (d *DuesPayment) Columns() map[string]interface{} {
	return map[string]interface{}{
		"id":           d.ID,
		"member_id":    d.MemberID,
		"amount_cents": d.AmountCents,
		"currency":     d.Currency,
		"paid_at":      ToMillis(d.PaidAt),
		"created_at":   ToMillis(d.CreatedAt),
		"updated_at":   ToMillis(d.UpdatedAt),
	}
}

// DuesPaymentFromRow builds a DuesPayment from a dues_payments table row.
func DuesPaymentFromRow(row map[string]interface{}) *DuesPayment {
	return &DuesPayment{
		ID:          rowString(row, "id"),
		MemberID:    rowString(row, "member_id"),
		AmountCents: rowInt(row, "amount_cents"),
		Currency:    rowString(row, "currency"),
		PaidAt:      FromMillis(rowInt(row, "paid_at")),
		CreatedAt:   FromMillis(rowInt(row, "created_at")),
		UpdatedAt:   FromMillis(rowInt(row, "updated_at")),
	}
}
