package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending   = "pending"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

const (
	JobKindDetection    = "detection"
	JobKindMiningReport = "mining_report"
)

// Job tracks an asynchronous detection or report run. The API returns the job on submit;
// clients poll GET /api/v1/jobs/{id} until status is completed or failed.
//
// Result is nil unless Status is completed. Once written it is never revised.
type Job struct {
	ID           uuid.UUID  `db:"id"            json:"id"`
	Kind         string     `db:"kind"          json:"kind"`
	Status       string     `db:"status"        json:"status"`
	Owner        string     `db:"owner"         json:"owner"`
	Inputs       JobInputs  `db:"inputs"        json:"inputs"`
	Result       *JobResult `db:"result"        json:"result"`
	ErrorMessage *string    `db:"error_message" json:"error_message,omitempty"`
	CompletedAt  *time.Time `db:"completed_at"  json:"completed_at,omitempty"`
	CreatedAt    time.Time  `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"    json:"updated_at"`
}

// Terminal reports whether the job reached completed or failed.
func (j *Job) Terminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// JobInputs references the artifacts a job runs against. Set once at submit.
type JobInputs struct {
	// Files maps a logical input name (imagery, shapefile, dem) to its stored path.
	Files      map[string]string `json:"files,omitempty"`
	ImageryURL string            `json:"imagery_url,omitempty"`
	// BBox is [minLon, minLat, maxLon, maxLat].
	BBox      []float64       `json:"bbox,omitempty"`
	AOI       json.RawMessage `json:"aoi,omitempty"`
	Notes     string          `json:"notes,omitempty"`
	OlderDate string          `json:"older_date,omitempty"`
}

const (
	InputImagery   = "imagery"
	InputShapefile = "shapefile"
	InputDEM       = "dem"
)

// JobResult is the payload the runner writes on completion.
type JobResult struct {
	AreaLegalHa    float64    `json:"area_legal_ha"`
	AreaIllegalHa  float64    `json:"area_illegal_ha"`
	VolumeCubicM   float64    `json:"volume_cubic_m"`
	DepthStats     DepthStats `json:"depth_stats"`
	DetectionCount int        `json:"detection_count"`
	ResultMapURL   string     `json:"result_map_url"`
}

type DepthStats struct {
	Min float64 `json:"min"`
	Avg float64 `json:"avg"`
	Max float64 `json:"max"`
}
