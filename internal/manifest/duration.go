package manifest

import (
	"fmt"
	"regexp"
	"strconv"
)

var isoDurationPattern = regexp.MustCompile(`^P(?:(\d+(?:\.\d+)?)Y)?(?:(\d+(?:\.\d+)?)M)?(?:(\d+(?:\.\d+)?)W)?(?:(\d+(?:\.\d+)?)D)?(?:T(?:(\d+(?:\.\d+)?)H)?(?:(\d+(?:\.\d+)?)M)?(?:(\d+(?:\.\d+)?)S)?)?$`)

// Approximations used for the calendar components of a duration. MPDs
// practically never use these, but they are legal.
var isoDurationUnits = []float64{
	365 * 24 * 60 * 60, // years
	30 * 24 * 60 * 60,  // months
	7 * 24 * 60 * 60,   // weeks
	24 * 60 * 60,       // days
	60 * 60,            // hours
	60,                 // minutes
	1,                  // seconds
}

// ParseISODuration converts an ISO-8601 duration (e.g. PT2H15M30.5S) in to a
// number of seconds.
func ParseISODuration(value string) (float64, error) {
	matches := isoDurationPattern.FindStringSubmatch(value)
	if matches == nil || value == "P" || value == "PT" {
		return 0, fmt.Errorf("%q is not a valid ISO-8601 duration", value)
	}

	var seconds float64
	for i, component := range matches[1:] {
		if component == "" {
			continue
		}

		v, err := strconv.ParseFloat(component, 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not a valid ISO-8601 duration: %w", value, err)
		}

		seconds += v * isoDurationUnits[i]
	}

	return seconds, nil
}
