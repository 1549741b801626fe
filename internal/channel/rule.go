package channel

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Rule tells the channel to inject a marker job on a schedule.
// Exactly one of Every or Pattern is set.
type Rule struct {
	Every   time.Duration `json:"every,omitempty"`
	Pattern string        `json:"pattern,omitempty"`

	// TZ is an IANA zone used to evaluate Pattern. Empty means UTC.
	TZ string `json:"tz,omitempty"`

	// Limit caps the number of injections; 0 means unlimited.
	Limit int `json:"limit,omitempty"`
}

// SecondOptional allows both 5-field and 6-field (with seconds) patterns.
var patternParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Every returns an interval rule.
func Every(d time.Duration) Rule { return Rule{Every: d} }

// Pattern returns a cron-pattern rule.
func Pattern(expr string) Rule { return Rule{Pattern: strings.TrimSpace(expr)} }

func (r Rule) Validate() error {
	hasEvery := r.Every != 0
	hasPattern := strings.TrimSpace(r.Pattern) != ""
	switch {
	case hasEvery && hasPattern:
		return errors.New("rule: set either every or pattern, not both")
	case !hasEvery && !hasPattern:
		return errors.New("rule: every or pattern required")
	case hasEvery && r.Every < time.Millisecond:
		return fmt.Errorf("rule: every must be >= 1ms (got %s)", r.Every)
	case r.Limit < 0:
		return errors.New("rule: limit must be >= 0")
	}
	if hasPattern {
		if _, err := r.schedule(); err != nil {
			return err
		}
	}
	_, err := r.location()
	return err
}

// Next returns the first fire time strictly after t.
//
// Interval rules are aligned to multiples of Every since the Unix epoch so
// that every connection computes the same slots.
func (r Rule) Next(t time.Time) (time.Time, error) {
	if err := r.Validate(); err != nil {
		return time.Time{}, err
	}
	if r.Every > 0 {
		step := r.Every.Milliseconds()
		ms := t.UnixMilli()
		return time.UnixMilli((ms/step + 1) * step), nil
	}
	sched, err := r.schedule()
	if err != nil {
		return time.Time{}, err
	}
	loc, err := r.location()
	if err != nil {
		return time.Time{}, err
	}
	next := sched.Next(t.In(loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("rule: pattern %q never fires", r.Pattern)
	}
	return next, nil
}

// String is the canonical form, also used to derive rule keys.
func (r Rule) String() string {
	var b strings.Builder
	if r.Every > 0 {
		b.WriteString("every:")
		b.WriteString(r.Every.String())
	} else {
		b.WriteString("cron:")
		b.WriteString(strings.TrimSpace(r.Pattern))
	}
	if tz := strings.TrimSpace(r.TZ); tz != "" {
		b.WriteString(" tz:")
		b.WriteString(tz)
	}
	if r.Limit > 0 {
		fmt.Fprintf(&b, " limit:%d", r.Limit)
	}
	return b.String()
}

// RuleKey is the stable identifier of a rule for a given marker job name.
func RuleKey(name string, r Rule) string {
	return name + "::" + r.String()
}

func (r Rule) schedule() (cron.Schedule, error) {
	s, err := patternParser.Parse(strings.TrimSpace(r.Pattern))
	if err != nil {
		return nil, fmt.Errorf("rule: invalid pattern %q: %w", r.Pattern, err)
	}
	return s, nil
}

func (r Rule) location() (*time.Location, error) {
	tz := strings.TrimSpace(r.TZ)
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("rule: invalid tz %q: %w", tz, err)
	}
	return loc, nil
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseRule parses a human schedule string into a Rule.
//
// Supported forms:
//   - Cron: "*/5 * * * *", "55 * * * *", "@hourly"
//   - Interval duration: "55m", "2h30m", "@every 5s"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//
// Optional prefixes:
//   - "cron:" forces pattern parsing
//   - "interval:" or "every:" forces interval parsing
func ParseRule(raw string) (Rule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Rule{}, errors.New("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return Rule{}, errors.New("cron schedule required after 'cron:'")
		}
		return validated(Pattern(expr))
	case strings.HasPrefix(low, "interval:"):
		return parseInterval(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return parseInterval(s[len("every:"):])
	case strings.HasPrefix(low, "@every "):
		return parseInterval(s[len("@every "):])
	}

	// Whitespace or a leading '@' means a cron pattern.
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return validated(Pattern(s))
	}

	if reHHMM.MatchString(s) || looksLikeDuration(s) {
		return parseInterval(s)
	}

	return Rule{}, fmt.Errorf(
		"invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', or duration like '55m')",
		raw,
	)
}

func validated(r Rule) (Rule, error) {
	if err := r.Validate(); err != nil {
		return Rule{}, err
	}
	return r, nil
}

func looksLikeDuration(s string) bool {
	_, err := time.ParseDuration(s)
	return err == nil
}

func parseInterval(v string) (Rule, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return Rule{}, errors.New("interval required")
	}
	if reHHMM.MatchString(v) {
		d, err := parseHHMMDuration(v)
		if err != nil {
			return Rule{}, err
		}
		return validated(Every(d))
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return Rule{}, fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '55m'/'2h30m')", v)
	}
	if d <= 0 {
		return Rule{}, errors.New("interval must be > 0")
	}
	return validated(Every(d))
}

func parseHHMMDuration(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("invalid HH:MM %q", v)
	}
	var hh int
	for i := 0; i < len(m[1]); i++ {
		hh = hh*10 + int(m[1][i]-'0')
	}
	mm := int(m[2][0]-'0')*10 + int(m[2][1]-'0')
	if mm > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, errors.New("interval must be > 0")
	}
	return d, nil
}
