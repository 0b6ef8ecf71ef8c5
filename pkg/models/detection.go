package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	DetectionClassLegal   = "legal"
	DetectionClassIllegal = "illegal"
)

// Detection is a single mined-area geometry produced by a job run.
// Geometry is a GeoJSON geometry object.
type Detection struct {
	ID         uuid.UUID           `db:"id"         json:"id"`
	JobID      uuid.UUID           `db:"job_id"     json:"job_id"`
	Geometry   json.RawMessage     `db:"geometry"   json:"geometry"`
	Properties DetectionProperties `db:"properties" json:"properties"`
	CreatedAt  time.Time           `db:"created_at" json:"created_at"`
}

type DetectionProperties struct {
	AreaSqm    float64 `json:"area_sqm"`
	Confidence float64 `json:"confidence"`
	Model      string  `json:"model"`
	Class      string  `json:"class"`
}
