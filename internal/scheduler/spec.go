package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Spec is a normalized daypart schedule.
type Spec struct {
	Cron   string
	Source string // "cron" | "hhmm"
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,2}):(\d{2})\s*$`)

// ParseSpec normalizes a daypart schedule into a cron expression.
//
// Supported forms:
//   - time of day "HH:MM": "07:30" fires daily at 07:30 (scheduler timezone)
//   - cron: "30 7 * * 1-5", "0 0 7 * * *" (with seconds), "@daily", "@every 2h"
//
// The "cron:" prefix forces cron parsing.
func ParseSpec(raw string) (Spec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Spec{}, fmt.Errorf("schedule required")
	}
	if strings.HasPrefix(strings.ToLower(s), "cron:") {
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return Spec{}, fmt.Errorf("cron schedule required after 'cron:'")
		}
		return Spec{Cron: expr, Source: "cron"}, nil
	}
	if m := reHHMM.FindStringSubmatch(s); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if hh > 23 || mm > 59 {
			return Spec{}, fmt.Errorf("invalid time of day %q", raw)
		}
		return Spec{Cron: fmt.Sprintf("%d %d * * *", mm, hh), Source: "hhmm"}, nil
	}
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		return Spec{Cron: s, Source: "cron"}, nil
	}
	return Spec{}, fmt.Errorf("invalid schedule %q (use HH:MM like '07:30' or cron like '30 7 * * 1-5')", raw)
}
