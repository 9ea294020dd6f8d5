// Package geometry turns a planned route or a single live position into the
// advisory shape published to the airspace network.
//
// Routes become a bounding-box polygon expanded by a fixed margin. The box is
// always convex, closed and non-self-intersecting; it is deliberately not a
// tight corridor around the flown path.
package geometry

import (
	"errors"
	"fmt"
	"math"

	geojson "github.com/paulmach/go.geojson"

	"github.com/unklstewy/airsync/pkg/coordinates"
)

const (
	// DefaultMarginDegrees expands route bounding boxes in every direction
	// (about 220 m of latitude).
	DefaultMarginDegrees = 0.002

	// DefaultPointRadiusMeters is the radius around a live position.
	DefaultPointRadiusMeters = 500.0
)

// ErrEmptyRoute is returned when a polygon is requested for no coordinates.
var ErrEmptyRoute = errors.New("route has no coordinates")

// Kind distinguishes the two advisory shapes.
type Kind string

const (
	KindPolygon Kind = "polygon"
	KindPoint   Kind = "point"
)

// Shape is an advisory geometry. Polygon shapes carry a closed Ring (first
// coordinate repeated as last); point shapes carry Center and RadiusMeters.
type Shape struct {
	Kind         Kind
	Ring         []coordinates.Geographic
	Center       coordinates.Geographic
	RadiusMeters float64
}

// Bounds is an axis-aligned latitude/longitude box.
type Bounds struct {
	MinLat, MinLon float64
	MaxLat, MaxLon float64
}

// Contains reports whether p lies inside or on the edge of b.
func (b Bounds) Contains(p coordinates.Geographic) bool {
	return p.Latitude >= b.MinLat && p.Latitude <= b.MaxLat &&
		p.Longitude >= b.MinLon && p.Longitude <= b.MaxLon
}

// Builder builds shapes with configurable margin and radius. The zero value
// uses the package defaults.
type Builder struct {
	MarginDegrees     float64
	PointRadiusMeters float64
}

func (b Builder) margin() float64 {
	if b.MarginDegrees > 0 {
		return b.MarginDegrees
	}
	return DefaultMarginDegrees
}

func (b Builder) radius() float64 {
	if b.PointRadiusMeters > 0 {
		return b.PointRadiusMeters
	}
	return DefaultPointRadiusMeters
}

// Point returns a point+radius shape centered exactly on c.
func (b Builder) Point(c coordinates.Geographic) (Shape, error) {
	if err := c.Validate(); err != nil {
		return Shape{}, err
	}
	return Shape{Kind: KindPoint, Center: c, RadiusMeters: b.radius()}, nil
}

// Polygon returns the margin-expanded bounding box of route as a closed
// five-point ring: SW, SE, NE, NW, SW. A single coordinate yields a square
// of the same margin around it.
func (b Builder) Polygon(route []coordinates.Geographic) (Shape, error) {
	if len(route) == 0 {
		return Shape{}, ErrEmptyRoute
	}

	box := Bounds{
		MinLat: math.Inf(1), MinLon: math.Inf(1),
		MaxLat: math.Inf(-1), MaxLon: math.Inf(-1),
	}
	for i, p := range route {
		if err := p.Validate(); err != nil {
			return Shape{}, fmt.Errorf("route point %d: %w", i, err)
		}
		box.MinLat = math.Min(box.MinLat, p.Latitude)
		box.MaxLat = math.Max(box.MaxLat, p.Latitude)
		box.MinLon = math.Min(box.MinLon, p.Longitude)
		box.MaxLon = math.Max(box.MaxLon, p.Longitude)
	}

	m := b.margin()
	box.MinLat = math.Max(box.MinLat-m, -90)
	box.MaxLat = math.Min(box.MaxLat+m, 90)
	box.MinLon = math.Max(box.MinLon-m, -180)
	box.MaxLon = math.Min(box.MaxLon+m, 180)

	sw := coordinates.Geographic{Latitude: box.MinLat, Longitude: box.MinLon}
	se := coordinates.Geographic{Latitude: box.MinLat, Longitude: box.MaxLon}
	ne := coordinates.Geographic{Latitude: box.MaxLat, Longitude: box.MaxLon}
	nw := coordinates.Geographic{Latitude: box.MaxLat, Longitude: box.MinLon}

	return Shape{Kind: KindPolygon, Ring: []coordinates.Geographic{sw, se, ne, nw, sw}}, nil
}

// Point builds a point shape with default radius.
func Point(c coordinates.Geographic) (Shape, error) {
	return Builder{}.Point(c)
}

// Polygon builds a route polygon with the default margin.
func Polygon(route []coordinates.Geographic) (Shape, error) {
	return Builder{}.Polygon(route)
}

// Bounds returns the bounding box of the shape. For points it is the
// degenerate box at the center.
func (s Shape) Bounds() Bounds {
	if s.Kind == KindPoint {
		return Bounds{
			MinLat: s.Center.Latitude, MaxLat: s.Center.Latitude,
			MinLon: s.Center.Longitude, MaxLon: s.Center.Longitude,
		}
	}
	box := Bounds{
		MinLat: math.Inf(1), MinLon: math.Inf(1),
		MaxLat: math.Inf(-1), MaxLon: math.Inf(-1),
	}
	for _, p := range s.Ring {
		box.MinLat = math.Min(box.MinLat, p.Latitude)
		box.MaxLat = math.Max(box.MaxLat, p.Latitude)
		box.MinLon = math.Min(box.MinLon, p.Longitude)
		box.MaxLon = math.Max(box.MaxLon, p.Longitude)
	}
	return box
}

// Closed reports whether a polygon ring ends where it starts.
func (s Shape) Closed() bool {
	n := len(s.Ring)
	return n >= 4 && s.Ring[0] == s.Ring[n-1]
}

// Feature renders the shape as a GeoJSON feature with [lon, lat] positions.
// Point shapes also carry their radius as the max_distance property.
func (s Shape) Feature(props map[string]interface{}) *geojson.Feature {
	var f *geojson.Feature
	switch s.Kind {
	case KindPoint:
		f = geojson.NewPointFeature([]float64{s.Center.Longitude, s.Center.Latitude})
		f.SetProperty("max_distance", s.RadiusMeters)
	default:
		ring := make([][]float64, len(s.Ring))
		for i, p := range s.Ring {
			ring[i] = []float64{p.Longitude, p.Latitude}
		}
		f = geojson.NewPolygonFeature([][][]float64{ring})
	}
	for k, v := range props {
		f.SetProperty(k, v)
	}
	return f
}
