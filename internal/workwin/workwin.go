// Package workwin decides whether a campaign is allowed to dial at a given
// instant based on its per-region working window. All functions are pure.
package workwin

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/acme/outbound-dialer/pkg/errors"
)

// supportedZones is the fixed set of timezone identifiers campaigns may use.
var supportedZones = map[string]struct{}{
	"UTC":                 {},
	"Europe/London":       {},
	"Europe/Berlin":       {},
	"Europe/Paris":        {},
	"Europe/Madrid":       {},
	"Europe/Moscow":       {},
	"Europe/Kyiv":         {},
	"Asia/Almaty":         {},
	"Asia/Tashkent":       {},
	"Asia/Yekaterinburg":  {},
	"Asia/Novosibirsk":    {},
	"Asia/Vladivostok":    {},
	"Asia/Dubai":          {},
	"Asia/Kolkata":        {},
	"Asia/Singapore":      {},
	"Asia/Tokyo":          {},
	"America/New_York":    {},
	"America/Chicago":     {},
	"America/Denver":      {},
	"America/Los_Angeles": {},
	"America/Sao_Paulo":   {},
	"Australia/Sydney":    {},
}

// ValidateTimeZone checks the identifier against the supported set.
func ValidateTimeZone(tz string) error {
	if _, ok := supportedZones[tz]; !ok {
		return fmt.Errorf("%w: unsupported timezone %q", apperrors.ErrValidation, tz)
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return fmt.Errorf("%w: timezone %q: %v", apperrors.ErrValidation, tz, err)
	}
	return nil
}

// ParseTimeSlot parses a 24-hour HH:mm value into hour and minute.
func ParseTimeSlot(text string) (int, int, error) {
	parts := strings.Split(text, ":")
	if len(parts) != 2 || len(parts[0]) != 2 || len(parts[1]) != 2 {
		return 0, 0, fmt.Errorf("%w: time slot %q is not HH:mm", apperrors.ErrValidation, text)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("%w: hour out of range in %q", apperrors.ErrValidation, text)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("%w: minute out of range in %q", apperrors.ErrValidation, text)
	}
	return hour, minute, nil
}

// isoWeekday maps time.Weekday onto ISO numbering (1=Monday .. 7=Sunday).
func isoWeekday(d time.Weekday) int {
	if d == time.Sunday {
		return 7
	}
	return int(d)
}

func containsDay(days []int, day int) bool {
	for _, d := range days {
		if d == day {
			return true
		}
	}
	return false
}

// IsWorkingTime reports whether at falls inside the working window when
// converted to the given timezone. The window is [startMin, endMin) on
// local minutes of day; workDays uses ISO weekday numbers.
func IsWorkingTime(workDays []int, startMin, endMin int, tz string, at time.Time) (bool, error) {
	if err := ValidateTimeZone(tz); err != nil {
		return false, err
	}
	if startMin >= endMin {
		return false, fmt.Errorf("%w: work window start %d not before end %d", apperrors.ErrValidation, startMin, endMin)
	}

	loc, err := time.LoadLocation(tz)
	if err != nil {
		return false, fmt.Errorf("%w: timezone %q: %v", apperrors.ErrValidation, tz, err)
	}

	local := at.In(loc)
	if !containsDay(workDays, isoWeekday(local.Weekday())) {
		return false, nil
	}
	minuteOfDay := local.Hour()*60 + local.Minute()
	return minuteOfDay >= startMin && minuteOfDay < endMin, nil
}

// NextWorkingInstant returns the earliest instant >= at that satisfies the
// working window. An already-working instant is returned unchanged. The
// search jumps by day boundaries, so it terminates for any non-empty
// workDays set within one week.
func NextWorkingInstant(workDays []int, startMin, endMin int, tz string, at time.Time) (time.Time, error) {
	if len(workDays) == 0 {
		return time.Time{}, fmt.Errorf("%w: empty work days set", apperrors.ErrValidation)
	}

	working, err := IsWorkingTime(workDays, startMin, endMin, tz, at)
	if err != nil {
		return time.Time{}, err
	}
	if working {
		return at, nil
	}

	loc, _ := time.LoadLocation(tz)
	local := at.In(loc)

	for offset := 0; offset <= 7; offset++ {
		day := local.AddDate(0, 0, offset)
		if !containsDay(workDays, isoWeekday(day.Weekday())) {
			continue
		}
		candidate := time.Date(day.Year(), day.Month(), day.Day(), startMin/60, startMin%60, 0, 0, loc)
		if !candidate.Before(at) {
			return candidate, nil
		}
	}

	// Unreachable for a non-empty day set: within 8 calendar days every
	// ISO weekday occurs at least once with its window start ahead of at.
	return time.Time{}, fmt.Errorf("%w: no working instant within a week", apperrors.ErrValidation)
}
