package utils

import (
	"fmt"
	"strings"
	"time"
)

var eventTimeFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseEventTime parses an ISO8601 event timestamp as returned by the source.
func ParseEventTime(s string) (time.Time, error) {
	for _, f := range eventTimeFormats {
		if t, err := time.Parse(f, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse datetime: %s", s)
}

var strftimeTokens = map[byte]string{
	'Y': "2006",
	'y': "06",
	'm': "01",
	'd': "02",
	'H': "15",
	'M': "04",
	'S': "05",
	'j': "002",
	'%': "%",
}

// PartitionLayout turns a date partition format into a Go time layout.
// strftime directives (%Y/%m/%d) are translated; anything without a '%'
// is assumed to already be a Go layout.
func PartitionLayout(format string) (string, error) {
	if !strings.Contains(format, "%") {
		return format, nil
	}
	var b strings.Builder
	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		if i+1 >= len(format) {
			return "", fmt.Errorf("dangling %% in partition format %q", format)
		}
		i++
		layout, ok := strftimeTokens[format[i]]
		if !ok {
			return "", fmt.Errorf("unsupported directive %%%c in partition format %q", format[i], format)
		}
		b.WriteString(layout)
	}
	return b.String(), nil
}
