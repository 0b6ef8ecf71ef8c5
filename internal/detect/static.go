package detect

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/kiranshivaraju/minewatch/pkg/models"
)

const (
	staticModel      = "static-v1"
	staticLegalSqm   = 38000
	staticIllegalSqm = 14000
)

// defaultBBox is used when a job carries only uploaded files.
var defaultBBox = []float64{85.30, 23.70, 85.34, 23.74}

// StaticProvider returns fixed, deterministic results. It stands in for a
// real model in development and tests.
type StaticProvider struct{}

func NewStaticProvider() *StaticProvider { return &StaticProvider{} }

func (p *StaticProvider) Name() string { return "static" }

// Detect returns one legal and one illegal rectangle inside the input's bounding box.
func (p *StaticProvider) Detect(ctx context.Context, in Input) ([]Feature, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	bbox := in.BBox
	if len(bbox) != 4 {
		if b, ok := BoundsOf(in.AOI); ok {
			bbox = b
		} else {
			bbox = defaultBBox
		}
	}

	minLon, minLat, maxLon, maxLat := bbox[0], bbox[1], bbox[2], bbox[3]
	w, h := maxLon-minLon, maxLat-minLat
	legal := rectangle(minLon+0.1*w, minLat+0.1*h, minLon+0.4*w, minLat+0.4*h)
	illegal := rectangle(minLon+0.6*w, minLat+0.6*h, minLon+0.8*w, minLat+0.8*h)

	return []Feature{
		{Geometry: legal, Properties: models.DetectionProperties{
			AreaSqm: staticLegalSqm, Confidence: 0.91, Model: staticModel, Class: models.DetectionClassLegal,
		}},
		{Geometry: illegal, Properties: models.DetectionProperties{
			AreaSqm: staticIllegalSqm, Confidence: 0.84, Model: staticModel, Class: models.DetectionClassIllegal,
		}},
	}, nil
}

// staticEstimate is the fixed excavation estimate returned for every region.
var staticEstimate = Estimate{
	DepthM:   9.5,
	VolumeM3: 48000,
	Depth:    models.DepthStats{Min: 2.8, Avg: 9.5, Max: 17.1},
}

// Estimate returns staticEstimate. It does not read the DEM.
func (p *StaticProvider) Estimate(ctx context.Context, _ string, _ Region) (Estimate, error) {
	if err := ctx.Err(); err != nil {
		return Estimate{}, fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return staticEstimate, nil
}

func rectangle(minLon, minLat, maxLon, maxLat float64) json.RawMessage {
	geom := map[string]any{
		"type": "Polygon",
		"coordinates": [][][2]float64{{
			{minLon, minLat}, {maxLon, minLat}, {maxLon, maxLat}, {minLon, maxLat}, {minLon, minLat},
		}},
	}
	raw, _ := json.Marshal(geom)
	return raw
}

// BoundsOf returns the bounding box of a GeoJSON Polygon, MultiPolygon,
// Feature or FeatureCollection.
func BoundsOf(raw json.RawMessage) ([]float64, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var doc struct {
		Type        string            `json:"type"`
		Coordinates json.RawMessage   `json:"coordinates"`
		Geometry    json.RawMessage   `json:"geometry"`
		Features    []json.RawMessage `json:"features"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, false
	}

	b := bounds{minLon: math.Inf(1), minLat: math.Inf(1), maxLon: math.Inf(-1), maxLat: math.Inf(-1)}
	switch doc.Type {
	case "Feature":
		return BoundsOf(doc.Geometry)
	case "FeatureCollection":
		for _, f := range doc.Features {
			if fb, ok := BoundsOf(f); ok {
				b.add(fb[0], fb[1])
				b.add(fb[2], fb[3])
			}
		}
	case "Polygon":
		var rings [][][]float64
		if err := json.Unmarshal(doc.Coordinates, &rings); err != nil {
			return nil, false
		}
		b.addRings(rings)
	case "MultiPolygon":
		var polys [][][][]float64
		if err := json.Unmarshal(doc.Coordinates, &polys); err != nil {
			return nil, false
		}
		for _, rings := range polys {
			b.addRings(rings)
		}
	default:
		return nil, false
	}
	if math.IsInf(b.minLon, 0) {
		return nil, false
	}
	return []float64{b.minLon, b.minLat, b.maxLon, b.maxLat}, true
}

type bounds struct{ minLon, minLat, maxLon, maxLat float64 }

func (b *bounds) add(lon, lat float64) {
	b.minLon = math.Min(b.minLon, lon)
	b.minLat = math.Min(b.minLat, lat)
	b.maxLon = math.Max(b.maxLon, lon)
	b.maxLat = math.Max(b.maxLat, lat)
}

func (b *bounds) addRings(rings [][][]float64) {
	for _, ring := range rings {
		for _, pt := range ring {
			if len(pt) >= 2 {
				b.add(pt[0], pt[1])
			}
		}
	}
}

var _ Provider = (*StaticProvider)(nil)
