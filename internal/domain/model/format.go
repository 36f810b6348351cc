package model

import (
	"fmt"

	"citymap-poster-service/internal/domain"
)

// Page format catalog. These are data, not logic: submission validation and
// output sizing read this table so adding a format never touches control
// flow.

type PageFormat struct {
	Name         string
	WidthInches  float64
	HeightInches float64
	Custom       bool // dimensions supplied by the caller
}

var PageFormats = map[string]PageFormat{
	"classic": {Name: "Classic Poster", WidthInches: 12.0, HeightInches: 16.0},
	"a4":      {Name: "A4", WidthInches: 8.27, HeightInches: 11.69},
	"a3":      {Name: "A3", WidthInches: 11.69, HeightInches: 16.54},
	"a2":      {Name: "A2", WidthInches: 16.54, HeightInches: 23.39},
	"30x40":   {Name: "30×40 cm", WidthInches: 11.81, HeightInches: 15.75},
	"40x50":   {Name: "40×50 cm", WidthInches: 15.75, HeightInches: 19.69},
	"50x70":   {Name: "50×70 cm", WidthInches: 19.69, HeightInches: 27.56},
	"custom":  {Name: "Custom Size", Custom: true},
}

var DPIOptions = map[int]string{
	150: "Screen/Web (150 DPI)",
	300: "Standard Print (300 DPI)",
	600: "Professional Print (600 DPI)",
}

const (
	MinDistanceM    = 1000
	MaxDistanceM    = 50000
	DefaultDistance = 29000

	MinPageSizeInches = 4.0
	MaxPageSizeInches = 48.0

	DefaultPageFormat  = "classic"
	DefaultDPI         = 300
	DefaultOrientation = "portrait"
)

// OutputParams are the validated sizing parameters of one render.
type OutputParams struct {
	PageFormat   string
	Orientation  string
	DPI          int
	WidthInches  float64
	HeightInches float64
}

// PixelWidth returns the output raster width.
func (p OutputParams) PixelWidth() int { return int(p.WidthInches * float64(p.DPI)) }

// PixelHeight returns the output raster height.
func (p OutputParams) PixelHeight() int { return int(p.HeightInches * float64(p.DPI)) }

// ResolveFormat validates format parameters against the tables above and
// returns the effective physical dimensions. customW/customH are ignored
// unless formatID is "custom". A landscape orientation swaps the axes.
func ResolveFormat(formatID, orientation string, dpi int, customW, customH float64) (OutputParams, error) {
	if formatID == "" {
		formatID = DefaultPageFormat
	}
	if orientation == "" {
		orientation = DefaultOrientation
	}
	if dpi == 0 {
		dpi = DefaultDPI
	}

	f, ok := PageFormats[formatID]
	if !ok {
		return OutputParams{}, fmt.Errorf("%w: unknown page format %q", domain.ErrInvalidArgument, formatID)
	}
	if orientation != "portrait" && orientation != "landscape" {
		return OutputParams{}, fmt.Errorf("%w: orientation must be portrait or landscape", domain.ErrInvalidArgument)
	}
	if _, ok := DPIOptions[dpi]; !ok {
		return OutputParams{}, fmt.Errorf("%w: dpi must be one of 150, 300, 600", domain.ErrInvalidArgument)
	}

	w, h := f.WidthInches, f.HeightInches
	if f.Custom {
		w, h = customW, customH
		if w < MinPageSizeInches || w > MaxPageSizeInches || h < MinPageSizeInches || h > MaxPageSizeInches {
			return OutputParams{}, fmt.Errorf("%w: custom dimensions must be between %.0f and %.0f inches",
				domain.ErrInvalidArgument, MinPageSizeInches, MaxPageSizeInches)
		}
	}
	if orientation == "landscape" {
		w, h = h, w
	}

	return OutputParams{
		PageFormat:   formatID,
		Orientation:  orientation,
		DPI:          dpi,
		WidthInches:  w,
		HeightInches: h,
	}, nil
}

// ValidateDistance checks the map radius range.
func ValidateDistance(m int) error {
	if m < MinDistanceM || m > MaxDistanceM {
		return fmt.Errorf("%w: distance must be between %d and %d meters", domain.ErrInvalidArgument, MinDistanceM, MaxDistanceM)
	}
	return nil
}
