package pagination

import (
	"fmt"
	"time"
)

// AlphaNumRanges cuts a string property into 27 filter ranges: everything
// up to 'a', one range per adjacent letter pair, and everything from 'z'.
// The ranges assume values longer than one character and a case-insensitive
// service; boundaries are inclusive on both ends.
func AlphaNumRanges(property string) []string {
	ranges := make([]string, 0, 27)
	ranges = append(ranges, fmt.Sprintf("%s le 'a'", property))
	for c := 'a'; c < 'z'; c++ {
		ranges = append(ranges, fmt.Sprintf("%s ge '%c' and %s le '%c'", property, c, property, c+1))
	}
	ranges = append(ranges, fmt.Sprintf("%s ge 'z'", property))
	return ranges
}

// DateRanges cuts [start, end) into at most maxRanges half-open filter
// ranges of whole days.
func DateRanges(property string, start, end time.Time, maxRanges int) []string {
	if !start.Before(end) {
		return nil
	}
	if maxRanges < 1 {
		maxRanges = 1
	}

	const day = 24 * time.Hour
	days := int((end.Sub(start) + day - 1) / day)
	perRange := (days + maxRanges - 1) / maxRanges

	var ranges []string
	for from := start; from.Before(end); {
		to := from.AddDate(0, 0, perRange)
		if to.After(end) {
			to = end
		}
		ranges = append(ranges, fmt.Sprintf("%s ge %s and %s lt %s",
			property, from.Format(time.DateOnly), property, to.Format(time.DateOnly)))
		from = to
	}
	return ranges
}
