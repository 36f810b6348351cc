package adapter

import (
	"context"

	"citymap-poster-service/internal/domain/model"
)

// RenderStage identifies one checkpoint of a render. The renderer reports
// each stage through the progress sink before starting it; between stages is
// also where cooperative cancellation is observed.
type RenderStage string

const (
	StageInitializing     RenderStage = "initializing"
	StagePlottingFeatures RenderStage = "plotting_features"
	StagePlottingRoads    RenderStage = "plotting_roads"
	StageAddingGradients  RenderStage = "adding_gradients"
	StageAddingTypography RenderStage = "adding_typography"
	StageSaving           RenderStage = "saving"
)

// RenderRequest carries everything one render task needs. Theme and output
// parameters travel explicitly with the request; the renderer must not read
// per-render configuration from shared mutable state.
type RenderRequest struct {
	Data       *model.MapData // shared, read-only
	Theme      model.Theme
	City       string
	Country    string
	Output     model.OutputParams
	OutputFile string
}

// RenderResult describes the produced artifact file.
type RenderResult struct {
	FilePath      string
	FileSize      int64
	Width         int
	Height        int
	ThumbnailPath string
}

// Renderer rasterizes one themed poster. Errors are classified render
// failures unless the context was cancelled.
type Renderer interface {
	Render(ctx context.Context, req RenderRequest, onStage func(RenderStage)) (*RenderResult, error)
}
