package model

// Point is a WGS84 coordinate pair.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Polyline is an open sequence of points (a street segment).
type Polyline []Point

// Polygon is a closed ring of points (a water or park feature).
type Polygon []Point

// RoadClass drives stroke width and color selection during rendering.
type RoadClass string

const (
	RoadMotorway    RoadClass = "motorway"
	RoadPrimary     RoadClass = "primary"
	RoadSecondary   RoadClass = "secondary"
	RoadResidential RoadClass = "residential"
)

// Street is one drawable street segment.
type Street struct {
	Class RoadClass `json:"class"`
	Path  Polyline  `json:"path"`
}

// MapData is the geographic feature bundle fetched once per batch. It is
// immutable once produced: every render task in the batch reads the same
// instance and none may mutate it.
type MapData struct {
	Center  Point     `json:"center"`
	RadiusM int       `json:"radius_m"`
	Streets []Street  `json:"streets"`
	Water   []Polygon `json:"water"`
	Parks   []Polygon `json:"parks"`
}
