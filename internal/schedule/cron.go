// Package schedule evaluates 5-field cron expressions against wall time and
// turns natural-language scheduling requests into stored schedules.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// fieldSpec bounds one cron field.
type fieldSpec struct {
	name string
	min  int
	max  int
}

var fieldSpecs = [5]fieldSpec{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

// ShouldRun reports whether expr matches now. Supported syntax per field:
// "*", single values, comma lists, ranges "a-b" and steps "*/k" or "a-b/k".
func ShouldRun(expr string, now time.Time) (bool, error) {
	sets, err := parseCron(expr)
	if err != nil {
		return false, err
	}
	return sets[0][now.Minute()] &&
		sets[1][now.Hour()] &&
		sets[2][now.Day()] &&
		sets[3][int(now.Month())] &&
		sets[4][int(now.Weekday())], nil
}

// Validate checks that expr is a parseable 5-field cron expression.
func Validate(expr string) error {
	_, err := parseCron(expr)
	return err
}

func parseCron(expr string) ([5]map[int]bool, error) {
	var sets [5]map[int]bool
	fields := strings.Fields(strings.TrimSpace(expr))
	if len(fields) != 5 {
		return sets, fmt.Errorf("cron expression needs 5 fields, got %d", len(fields))
	}
	for i, field := range fields {
		set, err := parseField(field, fieldSpecs[i])
		if err != nil {
			return sets, fmt.Errorf("invalid %s field %q: %w", fieldSpecs[i].name, field, err)
		}
		sets[i] = set
	}
	return sets, nil
}

func parseField(field string, spec fieldSpec) (map[int]bool, error) {
	set := make(map[int]bool)
	for _, part := range strings.Split(field, ",") {
		if part == "" {
			return nil, fmt.Errorf("empty list entry")
		}

		step := 1
		if idx := strings.Index(part, "/"); idx >= 0 {
			parsed, err := strconv.Atoi(part[idx+1:])
			if err != nil || parsed <= 0 {
				return nil, fmt.Errorf("bad step %q", part[idx+1:])
			}
			step = parsed
			part = part[:idx]
		}

		lo, hi := spec.min, spec.max
		switch {
		case part == "*":
			// Full range.
		case strings.Contains(part, "-"):
			bounds := strings.SplitN(part, "-", 2)
			var err error
			if lo, err = parseValue(bounds[0], spec); err != nil {
				return nil, err
			}
			if hi, err = parseValue(bounds[1], spec); err != nil {
				return nil, err
			}
			if lo > hi {
				return nil, fmt.Errorf("range %q is inverted", part)
			}
		default:
			v, err := parseValue(part, spec)
			if err != nil {
				return nil, err
			}
			lo, hi = v, v
		}

		for v := lo; v <= hi; v += step {
			set[v] = true
		}
	}
	return set, nil
}

func parseValue(s string, spec fieldSpec) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	if v < spec.min || v > spec.max {
		return 0, fmt.Errorf("%d out of range %d-%d", v, spec.min, spec.max)
	}
	return v, nil
}
