package jobs

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduleKind is the normalized kind of a schedule string.
type ScheduleKind int

const (
	// Once runs the job a single time when the feeder starts.
	Once ScheduleKind = iota
	Cron
	Interval
)

func (k ScheduleKind) String() string {
	switch k {
	case Once:
		return "once"
	case Cron:
		return "cron"
	case Interval:
		return "interval"
	default:
		return "unknown"
	}
}

// Schedule is a parsed schedule string.
//
// Accepted forms:
//   - "" or "once": run once at start
//   - cron: "*/5 * * * *", "0 30 * * * *" (seconds optional), "@hourly", "@every 55m"
//   - interval: "55m", "every 2h30m", "interval: 10s", "02:30" (HH:MM)
//
// A "cron:" prefix forces cron parsing.
type Schedule struct {
	Kind   ScheduleKind
	Cron   string
	Every  time.Duration
	Source string // "once" | "cron" | "duration" | "hhmm"
}

var (
	reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

	cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
)

// ParseSchedule parses raw and, for cron forms, checks the expression.
func ParseSchedule(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	low := strings.ToLower(s)
	if s == "" || low == "once" {
		return Schedule{Kind: Once, Source: "once"}, nil
	}

	if strings.HasPrefix(low, "cron:") {
		return parseCron(strings.TrimSpace(s[len("cron:"):]))
	}
	for _, p := range []string{"interval:", "every:", "every "} {
		if strings.HasPrefix(low, p) {
			d, src, err := parseInterval(s[len(p):])
			if err != nil {
				return Schedule{}, err
			}
			return Schedule{Kind: Interval, Every: d, Source: src}, nil
		}
	}

	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		return parseCron(s)
	}
	if reHHMM.MatchString(s) {
		d, err := parseHHMM(s)
		if err != nil {
			return Schedule{}, err
		}
		return Schedule{Kind: Interval, Every: d, Source: "hhmm"}, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return Schedule{}, fmt.Errorf("interval must be > 0")
		}
		return Schedule{Kind: Interval, Every: d, Source: "duration"}, nil
	}
	return Schedule{}, fmt.Errorf(
		"invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', or duration like '55m')", raw)
}

func parseCron(expr string) (Schedule, error) {
	if expr == "" {
		return Schedule{}, fmt.Errorf("cron expression required")
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return Schedule{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return Schedule{Kind: Cron, Cron: expr, Source: "cron"}, nil
}

func parseInterval(v string) (time.Duration, string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, "", fmt.Errorf("interval required")
	}
	if reHHMM.MatchString(v) {
		d, err := parseHHMM(v)
		return d, "hhmm", err
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, "", fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '55m')", v)
	}
	if d <= 0 {
		return 0, "", fmt.Errorf("interval must be > 0")
	}
	return d, "duration", nil
}

// parseHHMM reads "HH:MM" as a duration; hours up to 999.
func parseHHMM(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("invalid HH:MM %q", v)
	}
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

// cronSchedule turns sch into a robfig schedule. Once has none.
func (sch Schedule) cronSchedule() (cron.Schedule, error) {
	switch sch.Kind {
	case Cron:
		return cronParser.Parse(sch.Cron)
	case Interval:
		return cron.Every(sch.Every), nil
	default:
		return nil, fmt.Errorf("%s schedule has no recurrence", sch.Kind)
	}
}
