package nmea

import (
	"strconv"
	"strings"
)

// parseTime reads hhmmss[.sss] into c; the fraction is ignored.
func parseTime(s string, c *clock) bool {
	if len(s) < 6 || !digits(s[:6]) {
		return false
	}
	if len(s) > 6 && (s[6] != '.' || !digits(s[7:])) {
		return false
	}
	h, m, sec := twoDigits(s[0:2]), twoDigits(s[2:4]), twoDigits(s[4:6])
	if h > 23 || m > 59 || sec > 60 {
		return false
	}
	c.hour, c.minute, c.second = h, m, sec
	return true
}

// parseDate reads ddmmyy into c. Years are 20yy.
func parseDate(s string, c *clock) bool {
	if len(s) != 6 || !digits(s) {
		return false
	}
	day, month := twoDigits(s[0:2]), twoDigits(s[2:4])
	if day < 1 || day > 31 || month < 1 || month > 12 {
		return false
	}
	c.day, c.month, c.year = day, month, 2000+twoDigits(s[4:6])
	return true
}

// parseDegrees converts [d]ddmm.mmmm to decimal degrees. The two digits in
// front of the decimal point are minutes, everything before them degrees.
func parseDegrees(s string, negative bool) (float64, bool) {
	dot := strings.IndexByte(s, '.')
	if dot == -1 || !digits(s[:dot]) || !digits(s[dot+1:]) {
		return 0, false
	}
	split := dot - 2
	if split < 0 {
		split = 0
	}
	deg := 0
	if split > 0 {
		v, err := strconv.Atoi(s[:split])
		if err != nil {
			return 0, false
		}
		deg = v
	}
	mins, err := strconv.ParseFloat(s[split:], 64)
	if err != nil {
		return 0, false
	}
	v := float64(deg) + mins/60
	if negative {
		v = -v
	}
	return v, true
}

// atof mirrors C atof: unparsable input yields 0.
func atof(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}

func digits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func twoDigits(s string) int {
	return int(s[0]-'0')*10 + int(s[1]-'0')
}
