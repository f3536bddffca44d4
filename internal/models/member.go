package models

import "time"

// Member is the locally cached record of the members collection.
type Member struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	Role      string    `json:"role,omitempty"`
	Status    string    `json:"status,omitempty"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Synced    bool      `json:"-"`
}

// TableName returns the table name for Member.
func (Member) TableName() string {
	return KindMembers.Table()
}

func (m *Member) Kind() EntityKind         { return KindMembers }
func (m *Member) RecordID() string         { return m.ID }
func (m *Member) SetRecordID(id string)    { m.ID = id }
func (m *Member) BaseUpdatedAt() time.Time { return m.UpdatedAt }
func (m *Member) Rebase(t time.Time)       { m.UpdatedAt = t }

// Columns returns the members table columns, synced excluded.
func (m *Member) Columns() map[string]interface{} {
	return map[string]interface{}{
		"id":         m.ID,
		"name":       m.Name,
		"email":      m.Email,
		"phone":      m.Phone,
		"role":       m.Role,
		"status":     m.Status,
		"notes":      m.Notes,
		"created_at": ToMillis(m.CreatedAt),
		"updated_at": ToMillis(m.UpdatedAt),
	}
}

// MemberFromRow builds a Member from a members table row.
func MemberFromRow(row map[string]interface{}) *Member {
	return &Member{
		ID:        rowString(row, "id"),
		Name:      rowString(row, "name"),
		Email:     rowString(row, "email"),
		Phone:     rowString(row, "phone"),
		Role:      rowString(row, "role"),
		Status:    rowString(row, "status"),
		Notes:     rowString(row, "notes"),
		CreatedAt: FromMillis(rowInt(row, "created_at")),
		UpdatedAt: FromMillis(rowInt(row, "updated_at")),
		Synced:    rowBool(row, "synced"),
	}
}
