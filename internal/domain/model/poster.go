package model

import "time"

// Poster is the artifact of one successfully completed job, created only on
// success and owned by exactly that job (1:1 via JobID).
type Poster struct {
	ID    string
	JobID string

	City      string
	Country   string
	Theme     string
	Distance  int
	Latitude  float64
	Longitude float64

	Filename string
	FilePath string
	FileSize int64
	Width    int // pixels
	Height   int

	PageFormat   string
	Orientation  string
	DPI          int
	WidthInches  float64
	HeightInches float64

	ThumbnailPath string

	SessionID     string
	CreatedAt     time.Time
	AccessedAt    time.Time
	DownloadCount int
}
