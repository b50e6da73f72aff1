// Package healthid generates and validates universal health ID numbers.
//
// A number has the form SS-DDDD-NNNN-NNNN: a two-digit state code, a
// four-digit district code and an eight-digit unique part.
package healthid

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"
)

// DefaultStateCode is used when a state is unknown.
const DefaultStateCode = "01"

// ErrExhausted is returned when every generated candidate already exists.
var ErrExhausted = errors.New("healthid: no unique number after max attempts")

var pattern = regexp.MustCompile(`^[0-9]{2}-[0-9]{4}-[0-9]{4}-[0-9]{4}$`)

// IsValid reports whether s is a well-formed health ID.
func IsValid(s string) bool {
	return pattern.MatchString(s)
}

// Normalize strips dashes.
func Normalize(s string) string {
	return strings.ReplaceAll(s, "-", "")
}

// Format inserts dashes into a 14-digit raw number.
func Format(raw string) (string, error) {
	n := Normalize(raw)
	if len(n) != 14 {
		return "", fmt.Errorf("health ID must be exactly 14 digits, got %d", len(n))
	}
	for _, r := range n {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("health ID must be numeric: %q", raw)
		}
	}
	return n[0:2] + "-" + n[2:6] + "-" + n[6:10] + "-" + n[10:14], nil
}

var stateCodes = map[string]string{
	"Andhra Pradesh":    "28",
	"Arunachal Pradesh": "12",
	"Assam":             "18",
	"Bihar":             "10",
	"Chhattisgarh":      "22",
	"Goa":               "30",
	"Gujarat":           "24",
	"Haryana":           "06",
	"Himachal Pradesh":  "02",
	"Jharkhand":         "20",
	"Karnataka":         "29",
	"Kerala":            "32",
	"Madhya Pradesh":    "23",
	"Maharashtra":       "27",
	"Manipur":           "14",
	"Meghalaya":         "17",
	"Mizoram":           "15",
	"Nagaland":          "13",
	"Odisha":            "21",
	"Punjab":            "03",
	"Rajasthan":         "08",
	"Sikkim":            "11",
	"Tamil Nadu":        "33",
	"Telangana":         "36",
	"Tripura":           "16",
	"Uttar Pradesh":     "09",
	"Uttarakhand":       "05",
	"West Bengal":       "19",

	"Andaman and Nicobar Islands":              "35",
	"Chandigarh":                               "04",
	"Dadra and Nagar Haveli and Daman and Diu": "26",
	"Delhi":                                    "07",
	"Jammu and Kashmir":                        "01",
	"Ladakh":                                   "37",
	"Lakshadweep":                              "31",
	"Puducherry":                               "34",
}

// StateCode returns the code of a state or union territory, or
// DefaultStateCode when the name is unknown.
func StateCode(name string) string {
	if code, ok := stateCodes[name]; ok {
		return code
	}
	return DefaultStateCode
}

// StateName returns the state for a code, or "Unknown".
func StateName(code string) string {
	for name, c := range stateCodes {
		if c == code {
			return name
		}
	}
	return "Unknown"
}

// BloodGroups lists the accepted blood group values.
var BloodGroups = []string{"A+", "A-", "B+", "B-", "AB+", "AB-", "O+", "O-"}

// IsValidBloodGroup reports whether g is one of BloodGroups.
func IsValidBloodGroup(g string) bool {
	return slices.Contains(BloodGroups, g)
}

// Relationships lists the accepted family link types.
var Relationships = []string{"spouse", "child", "parent", "sibling", "grandparent", "grandchild", "guardian", "ward"}

// IsValidRelationship reports whether r is a known family link type.
func IsValidRelationship(r string) bool {
	return slices.Contains(Relationships, strings.ToLower(r))
}

// Age returns completed years between dob (YYYY-MM-DD) and now.
func Age(dob string, now time.Time) (int, error) {
	birth, err := time.Parse(time.DateOnly, dob)
	if err != nil {
		return 0, fmt.Errorf("invalid date of birth %q: %w", dob, err)
	}
	age := now.Year() - birth.Year()
	if now.Month() < birth.Month() || (now.Month() == birth.Month() && now.Day() < birth.Day()) {
		age--
	}
	return age, nil
}
