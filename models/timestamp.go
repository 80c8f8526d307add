package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseTimestamp converts "HH:MM:SS" or "MM:SS" into a duration.
func ParseTimestamp(s string) (time.Duration, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 && len(parts) != 3 {
		return 0, fmt.Errorf("invalid timestamp %q: want MM:SS or HH:MM:SS", s)
	}

	values := make([]int, len(parts))
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil || v < 0 {
			return 0, fmt.Errorf("invalid timestamp %q", s)
		}
		// minutes and seconds are base 60, the leading field is unbounded
		if i > 0 && v >= 60 {
			return 0, fmt.Errorf("invalid timestamp %q: field out of range", s)
		}
		values[i] = v
	}

	var total int64
	for _, v := range values {
		total = total*60 + int64(v)
	}
	return time.Duration(total) * time.Second, nil
}

// FormatTimestamp renders d as HH:MM:SS.
func FormatTimestamp(d time.Duration) string {
	secs := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, (secs/60)%60, secs%60)
}
