package geo

import "math"

// Airy 1830 ellipsoid and National Grid projection constants.
const (
	airyA  = 6377563.396
	airyB  = 6356256.909
	gridF0 = 0.9996012717
	gridE0 = 400000.0
	gridN0 = -100000.0
)

var (
	gridLat0 = rad(49)
	gridLon0 = rad(-2)
)

// OSGB36 to WGS84 Helmert parameters: translations in metres, scale in ppm,
// rotations in arc seconds.
const (
	helmertTx = 446.448
	helmertTy = -125.157
	helmertTz = 542.060
	helmertS  = -20.4894
	helmertRx = 0.1502
	helmertRy = 0.2470
	helmertRz = 0.8421
)

// FromBritishNationalGrid converts an EPSG:27700 easting/northing to WGS84.
// Accuracy is a few metres, matching the seven-parameter Helmert transform.
func FromBritishNationalGrid(easting, northing float64) Point {
	lat, lon := gridToOSGB36(easting, northing)
	return osgb36ToWGS84(lat, lon)
}

// gridToOSGB36 is the inverse transverse Mercator projection on Airy 1830,
// returning radians.
func gridToOSGB36(E, N float64) (lat, lon float64) {
	a, b, F0 := airyA, airyB, gridF0
	e2 := 1 - (b*b)/(a*a)
	n := (a - b) / (a + b)
	n2, n3 := n*n, n*n*n

	lat = gridLat0
	M := 0.0
	for {
		lat = (N-gridN0-M)/(a*F0) + lat
		dLat, sLat := lat-gridLat0, lat+gridLat0
		Ma := (1 + n + 1.25*n2 + 1.25*n3) * dLat
		Mb := (3*n + 3*n2 + 21.0/8*n3) * math.Sin(dLat) * math.Cos(sLat)
		Mc := (15.0/8*n2 + 15.0/8*n3) * math.Sin(2*dLat) * math.Cos(2*sLat)
		Md := 35.0 / 24 * n3 * math.Sin(3*dLat) * math.Cos(3*sLat)
		M = b * F0 * (Ma - Mb + Mc - Md)
		if math.Abs(N-gridN0-M) < 0.00001 {
			break
		}
	}

	sinLat := math.Sin(lat)
	nu := a * F0 / math.Sqrt(1-e2*sinLat*sinLat)
	rho := a * F0 * (1 - e2) / math.Pow(1-e2*sinLat*sinLat, 1.5)
	eta2 := nu/rho - 1

	tan := math.Tan(lat)
	tan2, tan4, tan6 := tan*tan, math.Pow(tan, 4), math.Pow(tan, 6)
	sec := 1 / math.Cos(lat)
	nu3, nu5, nu7 := math.Pow(nu, 3), math.Pow(nu, 5), math.Pow(nu, 7)

	VII := tan / (2 * rho * nu)
	VIII := tan / (24 * rho * nu3) * (5 + 3*tan2 + eta2 - 9*tan2*eta2)
	IX := tan / (720 * rho * nu5) * (61 + 90*tan2 + 45*tan4)
	X := sec / nu
	XI := sec / (6 * nu3) * (nu/rho + 2*tan2)
	XII := sec / (120 * nu5) * (5 + 28*tan2 + 24*tan4)
	XIIA := sec / (5040 * nu7) * (61 + 662*tan2 + 1320*tan4 + 720*tan6)

	dE := E - gridE0
	dE2 := dE * dE
	lat = lat - VII*dE2 + VIII*dE2*dE2 - IX*dE2*dE2*dE2
	lon = gridLon0 + X*dE - XI*dE2*dE + XII*dE2*dE2*dE - XIIA*dE2*dE2*dE2*dE
	return lat, lon
}

func osgb36ToWGS84(lat, lon float64) Point {
	// Geodetic to cartesian on Airy 1830, height 0.
	e2 := 1 - (airyB*airyB)/(airyA*airyA)
	sinLat, cosLat := math.Sincos(lat)
	sinLon, cosLon := math.Sincos(lon)
	nu := airyA / math.Sqrt(1-e2*sinLat*sinLat)
	x := nu * cosLat * cosLon
	y := nu * cosLat * sinLon
	z := (1 - e2) * nu * sinLat

	s := 1 + helmertS/1e6
	rx := rad(helmertRx / 3600)
	ry := rad(helmertRy / 3600)
	rz := rad(helmertRz / 3600)
	x2 := helmertTx + x*s - y*rz + z*ry
	y2 := helmertTy + x*rz + y*s - z*rx
	z2 := helmertTz - x*ry + y*rx + z*s

	// Cartesian back to geodetic on WGS84.
	we2 := 1 - (wgs84B*wgs84B)/(wgs84A*wgs84A)
	p := math.Hypot(x2, y2)
	phi := math.Atan2(z2, p*(1-we2))
	for i := 0; i < 10; i++ {
		sinPhi := math.Sin(phi)
		v := wgs84A / math.Sqrt(1-we2*sinPhi*sinPhi)
		next := math.Atan2(z2+we2*v*sinPhi, p)
		if math.Abs(next-phi) < 1e-12 {
			phi = next
			break
		}
		phi = next
	}
	return Point{Lat: deg(phi), Lon: deg(math.Atan2(y2, x2))}
}
