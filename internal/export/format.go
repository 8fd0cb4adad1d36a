package export

import "fmt"

// TimestampWidth is the length of the timestamp field: whole seconds, no zone.
const TimestampWidth = 19

// Timestamp truncates an ISO-8601 date string to whole seconds.
func Timestamp(date string) string {
	if len(date) > TimestampWidth {
		return date[:TimestampWidth]
	}
	return date
}

// FormatLine renders one output line. Each offset is fixed point with one
// fractional digit right-aligned in ten columns; sep goes between the two
// offset fields and is empty in the classic format.
func FormatLine(date string, tx, ty float64, sep string) string {
	return fmt.Sprintf("%s %10.1f%s%10.1f\n", Timestamp(date), tx, sep, ty)
}
