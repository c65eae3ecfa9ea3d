package gormstore

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JSON is a raw JSON column portable across the SQLite and PostgreSQL
// dialects (TEXT in SQLite, jsonb-compatible text in PostgreSQL).
type JSON json.RawMessage

// Value implements driver.Valuer.
func (j JSON) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return string(j), nil
}

// Scan implements sql.Scanner.
func (j *JSON) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append((*j)[:0], v...)
	case string:
		*j = JSON(v)
	default:
		return fmt.Errorf("unsupported JSON column type %T", src)
	}
	return nil
}

// MarshalJSON returns j as raw JSON.
func (j JSON) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return j, nil
}

// UnmarshalJSON stores data verbatim.
func (j *JSON) UnmarshalJSON(data []byte) error {
	*j = append((*j)[:0], data...)
	return nil
}

// SourceModel maps to the "sources" table: the registry of record types the
// bridge can read, with their schema metadata and read-role requirements.
type SourceModel struct {
	Name      string `gorm:"primaryKey"`
	Label     string
	Module    string `gorm:"index"`
	Fields    JSON   `gorm:"type:text"` // []platform.FieldDef
	Links     JSON   `gorm:"type:text"` // []platform.LinkDef
	ReadRoles JSON   `gorm:"type:text"` // []string; empty = readable by anyone
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (SourceModel) TableName() string { return "sources" }

// DocumentModel maps to the "documents" table. One row per record; the
// record body lives in the JSON payload column.
type DocumentModel struct {
	ID        string `gorm:"primaryKey"`
	Source    string `gorm:"primaryKey;index"`
	Payload   JSON   `gorm:"type:text;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (DocumentModel) TableName() string { return "documents" }

// ReportModel maps to the "reports" table: named, parameterless SQL bodies
// with their declared output columns.
type ReportModel struct {
	Name           string `gorm:"primaryKey"`
	Module         string `gorm:"index"`
	ReportType     string `gorm:"index"`
	Description    string
	SQLBody        string `gorm:"not null"`
	Columns        JSON   `gorm:"type:text"` // []string
	FilterGuidance string
	ReadRoles      JSON `gorm:"type:text"` // []string; empty = runnable by anyone
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (ReportModel) TableName() string { return "reports" }

// UserRoleModel maps to the "user_roles" table. The column is user_name
// because "user" is reserved in PostgreSQL.
type UserRoleModel struct {
	User string `gorm:"primaryKey;column:user_name"`
	Role string `gorm:"primaryKey"`
}

func (UserRoleModel) TableName() string { return "user_roles" }

func decodeStrings(j JSON) []string {
	if len(j) == 0 {
		return nil
	}
	var out []string
	_ = json.Unmarshal(j, &out)
	return out
}

func encodeJSON(v any) JSON {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return JSON(data)
}
