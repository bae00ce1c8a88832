package nmea

import "math"

// Locator returns the 6-character Maidenhead grid locator for a position in
// decimal degrees. It reports false when lat is outside [-90,90] or lon is
// outside [-180,180].
func Locator(lat, lon float64) (string, bool) {
	if math.IsNaN(lat) || math.IsNaN(lon) || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return "", false
	}
	lon += 180
	lat += 90

	// The east and north edges belong to the last field.
	const edge = 1e-9
	if lon >= 360 {
		lon = 360 - edge
	}
	if lat >= 180 {
		lat = 180 - edge
	}

	ilon, ilat := int(lon), int(lat)
	loc := [6]byte{
		'A' + byte(ilon/20),
		'A' + byte(ilat/10),
		'0' + byte(ilon%20/2),
		'0' + byte(ilat%10),
		'A' + byte((lon-float64(ilon/2*2))*12),
		'A' + byte((lat-float64(ilat))*24),
	}
	return string(loc[:]), true
}
