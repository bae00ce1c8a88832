// Package nmea decodes the NMEA 0183 byte stream of a GNSS receiver into
// position fixes.
//
// Only RMC (position, velocity, time) and GGA (fix data) sentences from the
// common GNSS talkers are used; everything else is dropped.
package nmea

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	maxSentence = 82 // longest sentence body kept, as per NMEA 0183
	maxFields   = 32

	knotsToMetersPerSecond = 0.514444
)

var (
	ErrChecksumMismatch    = errors.New("nmea: checksum mismatch")
	ErrUnknownTalker       = errors.New("nmea: unknown talker")
	ErrUnsupportedSentence = errors.New("nmea: unsupported sentence")
	ErrTooManyFields       = errors.New("nmea: too many fields")
	ErrFieldCount          = errors.New("nmea: field count mismatch")
	ErrBadTime             = errors.New("nmea: illegal time")
	ErrBadDate             = errors.New("nmea: illegal date")
	ErrLocatorRange        = errors.New("nmea: coordinates out of locator range")
)

var talkers = []string{
	"BD", // BeiDou
	"GA", // Galileo
	"GL", // GLONASS
	"GN", // mixed GNSS
	"GP", // GPS
}

// Fix is one decoded position. The zero value has no fix and no locator.
type Fix struct {
	Time      time.Time `json:"time"`
	Valid     bool      `json:"valid"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Altitude  float64   `json:"altitude"` // meters
	Speed     float64   `json:"speed"`    // meters per second
	Mode      string    `json:"mode,omitempty"`
	Locator   string    `json:"locator,omitempty"`
}

// clock holds the broken-down UTC time; RMC updates time and date together,
// but each half is validated separately.
type clock struct {
	year, month, day     int
	hour, minute, second int
}

func (c clock) time() time.Time {
	if c.year == 0 {
		return time.Time{}
	}
	return time.Date(c.year, time.Month(c.month), c.day, c.hour, c.minute, c.second, 0, time.UTC)
}

// Decoder is a byte-at-a-time sentence collector. It is not safe for
// concurrent use; the reading goroutine owns it and publishes copies of Fix.
type Decoder struct {
	buf     [maxSentence]byte
	n       int
	syncing bool

	clock clock
	fix   Fix
}

func NewDecoder() *Decoder {
	return &Decoder{syncing: true}
}

// Fix returns a copy of the current fix.
func (d *Decoder) Fix() Fix {
	return d.fix
}

// Feed consumes one byte of the stream.
//
// It returns updated=true when the byte completed a sentence that changed the
// fix. A non-nil error tells why a completed sentence was dropped; the one
// exception is ErrLocatorRange, which accompanies an accepted sentence whose
// coordinates cannot be expressed as a locator (the old locator is kept).
func (d *Decoder) Feed(c byte) (updated bool, err error) {
	switch c {
	case '$':
		d.n = 0
		d.syncing = false
	case '\r', '\n':
		if d.syncing {
			return false, nil
		}
		d.syncing = true
		return d.scan(string(d.buf[:d.n]))
	default:
		if !d.syncing && d.n < maxSentence-1 {
			d.buf[d.n] = c
			d.n++
		}
	}
	return false, nil
}

// scan tokenizes a sentence body (between '$' and the line end) while
// computing its checksum, then dispatches on the sentence type.
func (d *Decoder) scan(body string) (bool, error) {
	fields := make([]string, 0, 16)
	var sum byte
	start := 0
	checksum, hasChecksum := "", false

loop:
	for i := 0; i < len(body); i++ {
		switch body[i] {
		case '*':
			fields = append(fields, body[start:i])
			checksum, hasChecksum = body[i+1:], true
			break loop
		case ',':
			if len(fields)+1 >= maxFields {
				return false, ErrTooManyFields
			}
			sum ^= body[i]
			fields = append(fields, body[start:i])
			start = i + 1
		default:
			sum ^= body[i]
		}
	}
	if !hasChecksum {
		fields = append(fields, body[start:])
	}

	kind := fields[0]
	if len(kind) < 2 || !knownTalker(kind[:2]) {
		return false, ErrUnknownTalker
	}
	kind = kind[2:]
	isRMC := strings.HasPrefix(kind, "RMC")
	isGGA := strings.HasPrefix(kind, "GGA")
	if !isRMC && !isGGA {
		return false, ErrUnsupportedSentence
	}

	if hasChecksum {
		want, ok := parseChecksum(checksum)
		if !ok || want != int(sum) {
			return false, ErrChecksumMismatch
		}
	}

	var err error
	if isRMC {
		err = d.applyRMC(fields)
	} else {
		err = d.applyGGA(fields)
	}
	if err != nil {
		return false, err
	}

	if loc, ok := Locator(d.fix.Latitude, d.fix.Longitude); ok {
		d.fix.Locator = loc
	} else {
		return true, ErrLocatorRange
	}
	return true, nil
}

func knownTalker(id string) bool {
	for _, t := range talkers {
		if id == t {
			return true
		}
	}
	return false
}

// parseChecksum accepts upper case hex digits only.
func parseChecksum(s string) (int, bool) {
	v := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
			v = v<<4 + int(c-'0')
		case c >= 'A' && c <= 'F':
			v = v<<4 + int(c-'A') + 10
		default:
			return 0, false
		}
	}
	return v, true
}

// RMC: Recommended Minimum Specific GNSS Data
//
//	 0: talker+type
//	 1: time (hhmmss[.sss])
//	 2: status (A=active, D=differential, V=void)
//	 3: latitude (ddmm.mmmm)
//	 4: N/S
//	 5: longitude (dddmm.mmmm)
//	 6: E/W
//	 7: speed over ground (knots)
//	 8: course over ground (deg)
//	 9: date (ddmmyy)
//	10: magnetic variation
//	11: E/W
//	12: mode indicator (NMEA 2.3+)
func (d *Decoder) applyRMC(f []string) error {
	if len(f) < 12 || len(f) > 14 {
		return errors.Wrapf(ErrFieldCount, "rmc has %d fields", len(f))
	}
	clk := d.clock
	if !parseTime(f[1], &clk) {
		return errors.Wrapf(ErrBadTime, "%q", f[1])
	}
	if !parseDate(f[9], &clk) {
		return errors.Wrapf(ErrBadDate, "%q", f[9])
	}
	d.clock = clk
	d.fix.Time = clk.time()

	if len(f) > 12 {
		if m := f[12]; m != "" {
			d.fix.Mode = m[:1]
		} else {
			d.fix.Mode = ""
		}
	}

	// A void status only lowers the flag; position fields keep tracking the
	// receiver so the next valid sentence does not start from stale data.
	switch f[2] {
	case "A", "D":
		d.fix.Valid = true
	case "V":
		d.fix.Valid = false
	}

	if lat, ok := parseDegrees(f[3], f[4] == "S"); ok {
		d.fix.Latitude = lat
	}
	if lon, ok := parseDegrees(f[5], f[6] == "W"); ok {
		d.fix.Longitude = lon
	}
	d.fix.Speed = atof(f[7]) * knotsToMetersPerSecond
	return nil
}

// GGA: Global Positioning System Fix Data
//
//	 0: talker+type
//	 1: time
//	 2: latitude
//	 3: N/S
//	 4: longitude
//	 5: E/W
//	 6: fix quality (0=invalid)
//	 7: number of satellites
//	 8: HDOP
//	 9: altitude (meters)
//	10: units (M)
//	11: geoid separation
//	12: units (M)
//	13: age of differential data
//	14: reference station id
func (d *Decoder) applyGGA(f []string) error {
	if len(f) != 15 {
		return errors.Wrapf(ErrFieldCount, "gga has %d fields", len(f))
	}
	d.fix.Altitude = atof(f[9])
	return nil
}
