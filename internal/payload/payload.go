package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Format names the shape a raw scan was recognised as.
type Format string

const (
	FormatJSON  Format = "json"
	FormatDated Format = "ID10#DDMMYYYY"
	FormatRaw   Format = "raw"
)

// InvalidDateDisplay is shown in place of a date that is not a real calendar date.
const InvalidDateDisplay = "invalid date"

var (
	// ErrEmpty is returned for blank scans.
	ErrEmpty = errors.New("payload: empty scan")
	// ErrInvalidDate is returned when a dated code carries an impossible date.
	ErrInvalidDate = errors.New("payload: invalid calendar date")
	// ErrExpiredCode is returned when a dated code was issued for another day.
	ErrExpiredCode = errors.New("payload: code not issued for today")
)

var datedRe = regexp.MustCompile(`^(\d{10})#(\d{8})$`)

// identifierKeys are checked in order on JSON payloads.
var identifierKeys = []string{"cedula", "id", "studentId", "student_id"}

// Payload is a decoded scan.
type Payload struct {
	Raw         string `json:"raw"`
	StudentID   string `json:"student_id"`
	Format      Format `json:"format"`
	DateRaw     string `json:"date_raw,omitempty"`
	DateISO     string `json:"date_iso,omitempty"`
	DateDisplay string `json:"date_display,omitempty"`
	// DateInvalid is set when a dated code carried an impossible date.
	DateInvalid bool `json:"date_invalid,omitempty"`
}

// HasDate reports whether the code carried date metadata, valid or not.
func (p Payload) HasDate() bool {
	return p.DateRaw != ""
}

// Parse decodes a raw scanned string. It never fails for non-blank input:
// unrecognised shapes fall back to using the whole string as the identifier.
func Parse(raw string) (Payload, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Payload{Raw: raw}, ErrEmpty
	}

	if id, ok := fromJSON(trimmed); ok {
		return Payload{Raw: raw, StudentID: id, Format: FormatJSON}, nil
	}

	if m := datedRe.FindStringSubmatch(trimmed); m != nil {
		p := Payload{Raw: raw, StudentID: m[1], Format: FormatDated, DateRaw: m[2]}
		day, _ := strconv.Atoi(m[2][0:2])
		month, _ := strconv.Atoi(m[2][2:4])
		year, _ := strconv.Atoi(m[2][4:8])
		if validDate(year, month, day) {
			p.DateISO = fmt.Sprintf("%04d-%02d-%02d", year, month, day)
			p.DateDisplay = fmt.Sprintf("%02d/%02d/%04d", day, month, year)
		} else {
			p.DateInvalid = true
			p.DateDisplay = InvalidDateDisplay
		}
		return p, nil
	}

	return Payload{Raw: raw, StudentID: trimmed, Format: FormatRaw}, nil
}

// CheckFreshness verifies a dated code was issued for the calendar day of now
// in now's location. Codes without a date are always fresh.
func CheckFreshness(p Payload, now time.Time) error {
	if !p.HasDate() {
		return nil
	}
	if p.DateInvalid {
		return ErrInvalidDate
	}
	if p.DateISO != now.Format(time.DateOnly) {
		return fmt.Errorf("%w: issued %s, today %s", ErrExpiredCode, p.DateISO, now.Format(time.DateOnly))
	}
	return nil
}

// validDate reports whether the triple survives calendar normalisation.
func validDate(year, month, day int) bool {
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	return t.Year() == year && int(t.Month()) == month && t.Day() == day
}

func fromJSON(s string) (string, bool) {
	if !strings.HasPrefix(s, "{") {
		return "", false
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return "", false
	}
	for _, key := range identifierKeys {
		switch v := doc[key].(type) {
		case string:
			if id := strings.TrimSpace(v); id != "" {
				return id, true
			}
		case json.Number:
			return v.String(), true
		}
	}
	return "", false
}
