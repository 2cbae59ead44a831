// Package solar computes theoretical clear-sky irradiance on a tilted plane
// at a given site and time. It is a pure geometric/astronomical calculation
// with no side effects: solar position, Ineichen clear-sky components and an
// isotropic-sky transposition to plane-of-array.
//
// The pipeline uses the plane-of-array global value to normalize PV power
// into a dimensionless fraction independent of time-of-day and season.
package solar

import (
	"math"
	"time"
)

const (
	// solarConstant is the extraterrestrial irradiance in W/m^2.
	solarConstant = 1366.1

	// linkeTurbidity is a fixed mid-latitude Linke turbidity factor for the
	// Ineichen clear-sky model.
	linkeTurbidity = 3.0

	// groundAlbedo is the ground reflectance used for the ground-reflected
	// component of the transposition.
	groundAlbedo = 0.25

	degToRad = math.Pi / 180
	radToDeg = 180 / math.Pi
)

// Irradiance holds the clear-sky components (W/m^2) at one timestamp.
type Irradiance struct {
	GHI       float64 // global horizontal
	DNI       float64 // direct normal
	DHI       float64 // diffuse horizontal
	POAGlobal float64 // global on the tilted plane of array
}

// position is the sun's apparent position: zenith and azimuth in degrees
// (azimuth measured clockwise from north).
type position struct {
	zenith  float64
	azimuth float64
}

// solarPosition computes the sun position for a UTC timestamp using the
// NOAA simplified algorithm (Spencer coefficients). Accuracy is a fraction
// of a degree, sufficient for clear-sky normalization.
func solarPosition(lat, lon float64, ts time.Time) position {
	ts = ts.UTC()
	doy := float64(ts.YearDay())
	hours := float64(ts.Hour()) + float64(ts.Minute())/60 + float64(ts.Second())/3600

	// Fractional year in radians, including time of day.
	gamma := 2 * math.Pi / 365 * (doy - 1 + (hours-12)/24)

	// Equation of time (minutes) and declination (radians), Spencer 1971.
	eqTime := 229.18 * (0.000075 +
		0.001868*math.Cos(gamma) - 0.032077*math.Sin(gamma) -
		0.014615*math.Cos(2*gamma) - 0.040849*math.Sin(2*gamma))
	decl := 0.006918 -
		0.399912*math.Cos(gamma) + 0.070257*math.Sin(gamma) -
		0.006758*math.Cos(2*gamma) + 0.000907*math.Sin(2*gamma) -
		0.002697*math.Cos(3*gamma) + 0.00148*math.Sin(3*gamma)

	// True solar time in minutes; hour angle in degrees (solar noon = 0).
	tst := hours*60 + eqTime + 4*lon
	ha := tst/4 - 180
	for ha < -180 {
		ha += 360
	}
	for ha > 180 {
		ha -= 360
	}

	latRad := lat * degToRad
	haRad := ha * degToRad

	cosZenith := math.Sin(latRad)*math.Sin(decl) +
		math.Cos(latRad)*math.Cos(decl)*math.Cos(haRad)
	cosZenith = clamp(cosZenith, -1, 1)
	zenith := math.Acos(cosZenith) * radToDeg

	// Azimuth from north, clockwise.
	sinZenith := math.Sin(zenith * degToRad)
	var azimuth float64
	if sinZenith > 1e-9 {
		cosAz := (math.Sin(decl) - math.Sin(latRad)*cosZenith) /
			(math.Cos(latRad) * sinZenith)
		cosAz = clamp(cosAz, -1, 1)
		azimuth = math.Acos(cosAz) * radToDeg
		if ha > 0 {
			azimuth = 360 - azimuth
		}
	}

	return position{zenith: zenith, azimuth: azimuth}
}

// airmass is the Kasten-Young relative airmass for a zenith angle in degrees.
func airmass(zenith float64) float64 {
	if zenith >= 90 {
		return math.Inf(1)
	}
	z := zenith * degToRad
	return 1 / (math.Cos(z) + 0.50572*math.Pow(96.07995-zenith, -1.6364))
}

// clearsky computes Ineichen clear-sky GHI/DNI/DHI (sea level) for a sun
// position. All components are zero when the sun is below the horizon.
func clearsky(pos position, ts time.Time) (ghi, dni, dhi float64) {
	cosZenith := math.Cos(pos.zenith * degToRad)
	if cosZenith <= 0 {
		return 0, 0, 0
	}

	// Extraterrestrial irradiance corrected for earth-sun distance.
	doy := float64(ts.UTC().YearDay())
	i0 := solarConstant * (1 + 0.033*math.Cos(2*math.Pi*doy/365))

	am := airmass(pos.zenith)

	// Ineichen-Perez at altitude 0: fh1 = fh2 = 1, cg1 = 0.868, cg2 = 0.0387.
	const cg1, cg2 = 0.868, 0.0387
	ghi = cg1 * i0 * cosZenith * math.Exp(-cg2*am*(1+(linkeTurbidity-1)))
	if ghi < 0 {
		ghi = 0
	}

	b := 0.664 + 0.163 // b = 0.664 + 0.163/fh1 with fh1 = 1
	dni = b * i0 * math.Exp(-0.09*am*(linkeTurbidity-1))
	// The beam cannot exceed what reaches the horizontal plane.
	if dni*cosZenith > ghi {
		dni = ghi / cosZenith
	}

	dhi = ghi - dni*cosZenith
	if dhi < 0 {
		dhi = 0
	}
	return ghi, dni, dhi
}

// Compute returns the clear-sky irradiance components at a site for one
// timestamp, including the plane-of-array global for the given panel tilt
// (degrees from horizontal) and azimuth (degrees clockwise from north,
// 180 = south).
func Compute(lat, lon float64, ts time.Time, tiltDeg, azimuthDeg float64) Irradiance {
	pos := solarPosition(lat, lon, ts)
	ghi, dni, dhi := clearsky(pos, ts)
	if ghi == 0 {
		return Irradiance{}
	}

	// Angle of incidence on the tilted plane.
	zr := pos.zenith * degToRad
	tr := tiltDeg * degToRad
	cosAOI := math.Cos(zr)*math.Cos(tr) +
		math.Sin(zr)*math.Sin(tr)*math.Cos((pos.azimuth-azimuthDeg)*degToRad)
	if cosAOI < 0 {
		cosAOI = 0
	}

	// Isotropic sky diffuse plus ground reflection.
	beam := dni * cosAOI
	skyDiffuse := dhi * (1 + math.Cos(tr)) / 2
	ground := ghi * groundAlbedo * (1 - math.Cos(tr)) / 2

	return Irradiance{
		GHI:       ghi,
		DNI:       dni,
		DHI:       dhi,
		POAGlobal: beam + skyDiffuse + ground,
	}
}

// POAGlobal is a convenience wrapper returning only the plane-of-array
// global irradiance.
func POAGlobal(lat, lon float64, ts time.Time, tiltDeg, azimuthDeg float64) float64 {
	return Compute(lat, lon, ts, tiltDeg, azimuthDeg).POAGlobal
}

// POASeries evaluates POAGlobal for every timestamp, in order.
func POASeries(lat, lon float64, tss []time.Time, tiltDeg, azimuthDeg float64) []float64 {
	out := make([]float64, len(tss))
	for i, ts := range tss {
		out[i] = POAGlobal(lat, lon, ts, tiltDeg, azimuthDeg)
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
