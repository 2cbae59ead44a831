package gridded

import "math"

// CoordinateTransformer maps geographic (lat, lon) positions into the grid's
// own coordinate system before per-axis nearest selection. Grids stored in
// plain lat/lon use the identity transform; grids in projected coordinates
// supply their own mapping.
type CoordinateTransformer interface {
	ToGrid(lat, lon float64) (x, y float64)
}

// LatLonTransformer is the identity transform for grids whose x axis is
// longitude and y axis is latitude, both in degrees.
type LatLonTransformer struct{}

// ToGrid implements CoordinateTransformer.
func (LatLonTransformer) ToGrid(lat, lon float64) (x, y float64) {
	return lon, lat
}

// AffineTransformer maps lat/lon linearly into a projected grid:
// x = OriginX + lon*ScaleX, y = OriginY + lat*ScaleY. This covers regular
// projected grids without pulling in a full reprojection library; the
// per-axis nearest selection only needs a monotonic mapping per axis.
type AffineTransformer struct {
	OriginX float64
	OriginY float64
	ScaleX  float64
	ScaleY  float64
}

// ToGrid implements CoordinateTransformer.
func (t AffineTransformer) ToGrid(lat, lon float64) (x, y float64) {
	return t.OriginX + lon*t.ScaleX, t.OriginY + lat*t.ScaleY
}

// OSGB36Transformer projects lat/lon onto the Ordnance Survey national grid
// (easting as x, northing as y) used by UK weather-model grids. It applies
// the transverse Mercator projection on the Airy 1830 ellipsoid but not the
// WGS84->OSGB36 datum shift, which moves points by under ~120 m — well below
// typical grid spacing, and irrelevant to nearest-cell selection.
type OSGB36Transformer struct{}

// Airy 1830 ellipsoid and national grid projection constants.
const (
	airyA       = 6377563.396
	airyB       = 6356256.909
	osgbScaleF0 = 0.9996012717
	osgbLat0    = 49 * math.Pi / 180
	osgbLon0    = -2 * math.Pi / 180
	osgbN0      = -100000.0
	osgbE0      = 400000.0
)

// ToGrid implements CoordinateTransformer.
func (OSGB36Transformer) ToGrid(lat, lon float64) (x, y float64) {
	phi := lat * math.Pi / 180
	lam := lon * math.Pi / 180

	e2 := 1 - (airyB*airyB)/(airyA*airyA)
	n := (airyA - airyB) / (airyA + airyB)
	n2 := n * n
	n3 := n2 * n

	sinPhi := math.Sin(phi)
	cosPhi := math.Cos(phi)
	tanPhi := math.Tan(phi)

	nu := airyA * osgbScaleF0 / math.Sqrt(1-e2*sinPhi*sinPhi)
	rho := airyA * osgbScaleF0 * (1 - e2) / math.Pow(1-e2*sinPhi*sinPhi, 1.5)
	eta2 := nu/rho - 1

	m := airyB * osgbScaleF0 * ((1+n+1.25*n2+1.25*n3)*(phi-osgbLat0) -
		(3*n+3*n2+2.625*n3)*math.Sin(phi-osgbLat0)*math.Cos(phi+osgbLat0) +
		(1.875*n2+1.875*n3)*math.Sin(2*(phi-osgbLat0))*math.Cos(2*(phi+osgbLat0)) -
		(35.0/24.0)*n3*math.Sin(3*(phi-osgbLat0))*math.Cos(3*(phi+osgbLat0)))

	i := m + osgbN0
	ii := nu / 2 * sinPhi * cosPhi
	iii := nu / 24 * sinPhi * math.Pow(cosPhi, 3) * (5 - tanPhi*tanPhi + 9*eta2)
	iiia := nu / 720 * sinPhi * math.Pow(cosPhi, 5) * (61 - 58*tanPhi*tanPhi + math.Pow(tanPhi, 4))
	iv := nu * cosPhi
	v := nu / 6 * math.Pow(cosPhi, 3) * (nu/rho - tanPhi*tanPhi)
	vi := nu / 120 * math.Pow(cosPhi, 5) *
		(5 - 18*tanPhi*tanPhi + math.Pow(tanPhi, 4) + 14*eta2 - 58*tanPhi*tanPhi*eta2)

	dl := lam - osgbLon0
	northing := i + ii*dl*dl + iii*math.Pow(dl, 4) + iiia*math.Pow(dl, 6)
	easting := osgbE0 + iv*dl + v*math.Pow(dl, 3) + vi*math.Pow(dl, 5)

	return easting, northing
}
