package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	AlertTypeCritical = "critical"
	AlertTypeWarning  = "warning"
	AlertTypeInfo     = "info"
)

type Alert struct {
	ID             uuid.UUID  `db:"id"              json:"id"`
	Type           string     `db:"type"            json:"type"`
	Title          string     `db:"title"           json:"title"`
	Description    string     `db:"description"     json:"description"`
	AreaHa         float64    `db:"area_ha"         json:"area_ha"`
	JobID          *uuid.UUID `db:"job_id"          json:"job_id,omitempty"`
	Acknowledged   bool       `db:"acknowledged"    json:"acknowledged"`
	AcknowledgedAt *time.Time `db:"acknowledged_at" json:"acknowledged_at,omitempty"`
	CreatedAt      time.Time  `db:"created_at"      json:"created_at"`
}
