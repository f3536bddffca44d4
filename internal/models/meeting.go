package models

import "time"

// Meeting is a scheduled gathering of members.
type Meeting struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Location  string    `json:"location,omitempty"`
	StartsAt  time.Time `json:"starts_at"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (m *Meeting) Kind() EntityKind         { return KindMeetings }
func (m *Meeting) RecordID() string         { return m.ID }
func (m *Meeting) SetRecordID(id string)    { m.ID = id }
func (m *Meeting) BaseUpdatedAt() time.Time { return m.UpdatedAt }
func (m *Meeting) Rebase(t time.Time)       { m.UpdatedAt = t }

func (m *Meeting) Columns() map[string]interface{} {
	return map[string]interface{}{
		"id":         m.ID,
		"title":      m.Title,
		"location":   m.Location,
		"starts_at":  ToMillis(m.StartsAt),
		"notes":      m.Notes,
		"created_at": ToMillis(m.CreatedAt),
		"updated_at": ToMillis(m.UpdatedAt),
	}
}

// MeetingFromRow builds a Meeting from a meetings table row.
func MeetingFromRow(row map[string]interface{}) *Meeting {
	return &Meeting{
		ID:        rowString(row, "id"),
		Title:     rowString(row, "title"),
		Location:  rowString(row, "location"),
		StartsAt:  FromMillis(rowInt(row, "starts_at")),
		Notes:     rowString(row, "notes"),
		CreatedAt: FromMillis(rowInt(row, "created_at")),
		UpdatedAt: FromMillis(rowInt(row, "updated_at")),
	}
}
