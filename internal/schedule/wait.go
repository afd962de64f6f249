package schedule

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Kind describes how the wait between two passes is computed.
type Kind int

const (
	KindInterval Kind = iota
	KindCron
)

// Wait is a parsed pass wait.
//
// Supported forms:
//   - Seconds: "3600"
//   - Go duration: "55m", "2h30m"
//   - HH:MM interval: "00:50" (50 minutes), "02:30"
//   - Cron (robfig/cron): "*/30 * * * *", "@hourly", "@every 45m"
//
// Optional prefixes "cron:" and "interval:"/"every:" force the kind.
type Wait struct {
	Kind   Kind
	Every  time.Duration
	Cron   string
	Source string // "seconds" | "duration" | "hhmm" | "cron"

	sched cron.Schedule
}

var (
	reHHMM     = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)
	cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
)

// ParseWait parses the answer to "how long between passes".
func ParseWait(raw string) (Wait, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Wait{}, fmt.Errorf("wait required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "interval:"):
		return parseInterval(strings.TrimSpace(s[len("interval:"):]))
	case strings.HasPrefix(low, "every:"):
		return parseInterval(strings.TrimSpace(s[len("every:"):]))
	}

	// any whitespace or leading '@' => cron
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		return parseCron(s)
	}
	return parseInterval(s)
}

func parseCron(expr string) (Wait, error) {
	if expr == "" {
		return Wait{}, fmt.Errorf("cron expression required after 'cron:'")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return Wait{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return Wait{Kind: KindCron, Cron: expr, Source: "cron", sched: sched}, nil
}

func parseInterval(v string) (Wait, error) {
	if v == "" {
		return Wait{}, fmt.Errorf("interval required")
	}
	if n, err := strconv.Atoi(v); err == nil {
		if n < 0 {
			return Wait{}, fmt.Errorf("wait must be >= 0 seconds")
		}
		return Wait{Kind: KindInterval, Every: time.Duration(n) * time.Second, Source: "seconds"}, nil
	}
	if reHHMM.MatchString(v) {
		d, err := parseHHMM(v)
		if err != nil {
			return Wait{}, err
		}
		return Wait{Kind: KindInterval, Every: d, Source: "hhmm"}, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return Wait{}, fmt.Errorf(
			"invalid wait %q (use seconds like '3600', a duration like '55m', HH:MM like '02:30', or cron like '*/30 * * * *')",
			v,
		)
	}
	if d < 0 {
		return Wait{}, fmt.Errorf("wait must be >= 0")
	}
	return Wait{Kind: KindInterval, Every: d, Source: "duration"}, nil
}

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

// Next returns how long to wait after a pass that finished at now.
func (w Wait) Next(now time.Time) time.Duration {
	if w.Kind == KindCron && w.sched != nil {
		if d := w.sched.Next(now).Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return w.Every
}

func (w Wait) String() string {
	if w.Kind == KindCron {
		return "cron " + w.Cron
	}
	return w.Every.String()
}
