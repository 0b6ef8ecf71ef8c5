// Package detect defines the detection and estimation collaborators the job
// runner calls, plus the built-in implementations.
package detect

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/minewatch/pkg/models"
)

var (
	ErrUnavailable     = errors.New("detector unavailable")
	ErrTimeout         = errors.New("detector timeout")
	ErrInvalidResponse = errors.New("detector returned invalid response")
)

// Input references what a detection runs against. Paths point into file
// storage; ImageryURL is a remote scene.
type Input struct {
	JobID         uuid.UUID       `json:"job_id"`
	ImageryPath   string          `json:"imagery_path,omitempty"`
	ImageryURL    string          `json:"imagery_url,omitempty"`
	ShapefilePath string          `json:"shapefile_path,omitempty"`
	BBox          []float64       `json:"bbox,omitempty"`
	AOI           json.RawMessage `json:"aoi,omitempty"`
	OlderDate     string          `json:"older_date,omitempty"`
}

// Feature is one detected area: a GeoJSON geometry and its properties.
type Feature struct {
	Geometry   json.RawMessage            `json:"geometry"`
	Properties models.DetectionProperties `json:"properties"`
}

// Region is the area an estimate covers.
type Region struct {
	BBox     []float64       `json:"bbox,omitempty"`
	AOI      json.RawMessage `json:"aoi,omitempty"`
	Features []Feature       `json:"features,omitempty"`
}

type Estimate struct {
	DepthM   float64           `json:"depth_m"`
	VolumeM3 float64           `json:"volume_m3"`
	Depth    models.DepthStats `json:"depth_stats"`
}

// Detector finds mined areas. An empty result is not an error.
type Detector interface {
	Detect(ctx context.Context, in Input) ([]Feature, error)
}

// Estimator computes excavation depth and volume for a region.
type Estimator interface {
	Estimate(ctx context.Context, demRef string, region Region) (Estimate, error)
}

// Provider bundles both collaborators behind one backend.
type Provider interface {
	Name() string
	Detector
	Estimator
}

// Transient reports whether err is worth retrying.
func Transient(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded)
}
