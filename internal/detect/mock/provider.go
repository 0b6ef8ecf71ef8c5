package mock

import (
	"context"

	"github.com/kiranshivaraju/minewatch/internal/detect"
	"github.com/kiranshivaraju/minewatch/pkg/models"
)

// MockProvider satisfies detect.Provider for testing.
type MockProvider struct {
	Name_        string
	DetectFunc   func(ctx context.Context, in detect.Input) ([]detect.Feature, error)
	EstimateFunc func(ctx context.Context, demRef string, region detect.Region) (detect.Estimate, error)
}

func (m *MockProvider) Name() string { return m.Name_ }

func (m *MockProvider) Detect(ctx context.Context, in detect.Input) ([]detect.Feature, error) {
	if m.DetectFunc != nil {
		return m.DetectFunc(ctx, in)
	}
	return []detect.Feature{}, nil
}

func (m *MockProvider) Estimate(ctx context.Context, demRef string, region detect.Region) (detect.Estimate, error) {
	if m.EstimateFunc != nil {
		return m.EstimateFunc(ctx, demRef, region)
	}
	return detect.Estimate{}, nil
}

// Feature builds a detection of the given class and area.
func Feature(class string, areaSqm float64) detect.Feature {
	return detect.Feature{
		Geometry: []byte(`{"type":"Point","coordinates":[85.3,23.7]}`),
		Properties: models.DetectionProperties{
			AreaSqm: areaSqm, Confidence: 0.9, Model: "mock-v1", Class: class,
		},
	}
}

// NewMockProvider returns a MockProvider that finds the given illegal area
// (in hectares) plus 2 ha of legal workings.
func NewMockProvider(illegalHa float64) *MockProvider {
	return &MockProvider{
		Name_: "mock",
		DetectFunc: func(_ context.Context, _ detect.Input) ([]detect.Feature, error) {
			return []detect.Feature{
				Feature(models.DetectionClassLegal, 20000),
				Feature(models.DetectionClassIllegal, illegalHa*10000),
			}, nil
		},
		EstimateFunc: func(_ context.Context, _ string, _ detect.Region) (detect.Estimate, error) {
			return detect.Estimate{
				DepthM:   12.5,
				VolumeM3: 65000,
				Depth:    models.DepthStats{Min: 4.2, Avg: 12.5, Max: 28.3},
			}, nil
		},
	}
}

// NewFailingProvider returns a MockProvider whose detector always returns err.
func NewFailingProvider(err error) *MockProvider {
	m := NewMockProvider(0)
	m.Name_ = "mock-failing"
	m.DetectFunc = func(_ context.Context, _ detect.Input) ([]detect.Feature, error) {
		return nil, err
	}
	return m
}

// NewTimeoutProvider returns a MockProvider that blocks until the context is cancelled.
func NewTimeoutProvider() *MockProvider {
	m := NewMockProvider(0)
	m.Name_ = "mock-timeout"
	m.DetectFunc = func(ctx context.Context, _ detect.Input) ([]detect.Feature, error) {
		<-ctx.Done()
		return nil, detect.ErrTimeout
	}
	return m
}

// Compile-time check that MockProvider implements Provider.
var _ detect.Provider = (*MockProvider)(nil)
