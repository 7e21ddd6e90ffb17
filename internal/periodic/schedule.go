package periodic

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// NormalizeSchedule turns a schedule string into a robfig/cron spec.
//
// Supported forms:
//   - cron: "*/30 * * * *", "0 */2 * * *", "@hourly", "@every 45m"
//   - Go duration: "45m", "2h30m" (becomes "@every ...")
//   - HH:MM interval: "02:30" (2h30m)
//
// A "cron:" or "every:" prefix forces the interpretation.
func NormalizeSchedule(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("schedule required")
	}
	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return "", fmt.Errorf("cron expression required after 'cron:'")
		}
		return expr, nil
	case strings.HasPrefix(low, "every:"):
		d, err := parseInterval(s[len("every:"):])
		if err != nil {
			return "", err
		}
		return every(d), nil
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		return s, nil
	}
	d, err := parseInterval(s)
	if err != nil {
		return "", fmt.Errorf("invalid schedule %q (use cron like '*/30 * * * *', HH:MM like '02:30', or a duration like '45m')", raw)
	}
	return every(d), nil
}

func every(d time.Duration) string { return "@every " + d.String() }

func parseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, fmt.Errorf("invalid minutes in %q", v)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return 0, fmt.Errorf("interval must be > 0")
		}
		return d, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q", v)
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}
