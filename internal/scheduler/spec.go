package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MailEvents is the set of job events that trigger a notification.
type MailEvents uint8

const (
	MailBegin MailEvents = 1 << iota
	MailEnd
	MailFail

	MailNone MailEvents = 0
	MailAll             = MailBegin | MailEnd | MailFail
)

// ParseMailEvents parses "none", "begin", "end", "fail", "all" (case-insensitive),
// or a comma-separated combination such as "begin,end".
func ParseMailEvents(s string) (MailEvents, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return MailNone, fmt.Errorf("%w: empty value", ErrInvalidMailType)
	}
	var ev MailEvents
	for _, part := range strings.Split(s, ",") {
		switch strings.ToLower(strings.TrimSpace(part)) {
		case "none":
			if len(strings.Split(s, ",")) > 1 {
				return MailNone, fmt.Errorf("%w: none cannot be combined (%s)", ErrInvalidMailType, s)
			}
			return MailNone, nil
		case "begin":
			ev |= MailBegin
		case "end":
			ev |= MailEnd
		case "fail":
			ev |= MailFail
		case "all":
			ev |= MailAll
		default:
			return MailNone, fmt.Errorf("%w: %s", ErrInvalidMailType, part)
		}
	}
	return ev, nil
}

// String renders the set using job file vocabulary ("none", "all", "begin,fail").
func (m MailEvents) String() string {
	switch m {
	case MailNone:
		return "none"
	case MailAll:
		return "all"
	}
	var parts []string
	if m&MailBegin != 0 {
		parts = append(parts, "begin")
	}
	if m&MailEnd != 0 {
		parts = append(parts, "end")
	}
	if m&MailFail != 0 {
		parts = append(parts, "fail")
	}
	return strings.Join(parts, ",")
}

// ArraySpec describes an array job: indices Start..End by Step, at most Limit running at once.
type ArraySpec struct {
	Start int
	End   int
	Step  int // 0 or 1 = every index
	Limit int // 0 = unlimited
}

// ParseArraySpec parses "START-END[:STEP][%LIMIT]" or a single index "N[%LIMIT]".
func ParseArraySpec(s string) (*ArraySpec, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty range", ErrInvalidArraySpec)
	}
	spec := &ArraySpec{Step: 1}

	if body, limit, ok := strings.Cut(s, "%"); ok {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: bad limit in %q", ErrInvalidArraySpec, s)
		}
		spec.Limit = n
		s = body
	}
	if body, step, ok := strings.Cut(s, ":"); ok {
		n, err := strconv.Atoi(step)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("%w: bad step in %q", ErrInvalidArraySpec, s)
		}
		spec.Step = n
		s = body
	}

	startStr, endStr, isRange := strings.Cut(s, "-")
	start, err := strconv.Atoi(startStr)
	if err != nil || start < 0 {
		return nil, fmt.Errorf("%w: bad start in %q", ErrInvalidArraySpec, s)
	}
	spec.Start, spec.End = start, start
	if isRange {
		end, err := strconv.Atoi(endStr)
		if err != nil {
			return nil, fmt.Errorf("%w: bad end in %q", ErrInvalidArraySpec, s)
		}
		spec.End = end
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

// Validate checks the range is well formed.
func (a *ArraySpec) Validate() error {
	switch {
	case a.Start < 0:
		return fmt.Errorf("%w: negative start %d", ErrInvalidArraySpec, a.Start)
	case a.End < a.Start:
		return fmt.Errorf("%w: end %d before start %d", ErrInvalidArraySpec, a.End, a.Start)
	case a.Step < 0:
		return fmt.Errorf("%w: negative step %d", ErrInvalidArraySpec, a.Step)
	case a.Limit < 0:
		return fmt.Errorf("%w: negative limit %d", ErrInvalidArraySpec, a.Limit)
	}
	return nil
}

func (a *ArraySpec) step() int {
	if a.Step <= 1 {
		return 1
	}
	return a.Step
}

// Indices returns every index of the array in ascending order.
func (a *ArraySpec) Indices() []int {
	out := make([]int, 0, a.Count())
	for i := a.Start; i <= a.End; i += a.step() {
		out = append(out, i)
	}
	return out
}

// Count returns the number of array instances.
func (a *ArraySpec) Count() int {
	if a.End < a.Start {
		return 0
	}
	return (a.End-a.Start)/a.step() + 1
}

// String renders the range in SLURM/PBS Pro syntax ("1-100:2%10").
func (a *ArraySpec) String() string {
	var b strings.Builder
	if a.Start == a.End {
		b.WriteString(strconv.Itoa(a.Start))
	} else {
		fmt.Fprintf(&b, "%d-%d", a.Start, a.End)
		if a.step() > 1 {
			fmt.Fprintf(&b, ":%d", a.step())
		}
	}
	if a.Limit > 0 {
		fmt.Fprintf(&b, "%%%d", a.Limit)
	}
	return b.String()
}

// ParseWalltime parses a scheduler time limit.
// Accepted: "D-HH:MM:SS", "D-HH:MM", "D-HH", "HH:MM:SS", "MM:SS", "MM",
// and Go durations such as "36h" or "1h30m".
func ParseWalltime(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidTimeFormat)
	}
	if strings.ContainsAny(s, "hms") && !strings.ContainsAny(s, ":-") {
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("%w: %s", ErrInvalidTimeFormat, s)
		}
		return d, nil
	}
	return parseSlurmTimeSpec(s)
}

// FormatWalltime renders d as "D-HH:MM:SS", or "HH:MM:SS" below one day.
func FormatWalltime(d time.Duration) string {
	return formatSlurmTimeSpec(d)
}

func parseSlurmTimeSpec(timeStr string) (time.Duration, error) {
	timeStr = strings.TrimSpace(timeStr)
	if timeStr == "" {
		return 0, nil
	}

	atoi := func(p string) (int64, error) {
		n, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("%w: %s", ErrInvalidTimeFormat, timeStr)
		}
		return n, nil
	}

	var days, hours, minutes, seconds int64
	hms := timeStr
	if dayPart, rest, ok := strings.Cut(timeStr, "-"); ok {
		d, err := atoi(dayPart)
		if err != nil {
			return 0, err
		}
		days = d
		// With a day part the fields are hours[:minutes[:seconds]]
		parts := strings.Split(rest, ":")
		if len(parts) > 3 || rest == "" {
			return 0, fmt.Errorf("%w: %s", ErrInvalidTimeFormat, timeStr)
		}
		vals := []*int64{&hours, &minutes, &seconds}
		for i, p := range parts {
			v, err := atoi(p)
			if err != nil {
				return 0, err
			}
			*vals[i] = v
		}
	} else {
		parts := strings.Split(hms, ":")
		var vals []*int64
		switch len(parts) {
		case 3:
			vals = []*int64{&hours, &minutes, &seconds}
		case 2:
			vals = []*int64{&minutes, &seconds}
		case 1:
			vals = []*int64{&minutes}
		default:
			return 0, fmt.Errorf("%w: %s", ErrInvalidTimeFormat, timeStr)
		}
		for i, p := range parts {
			v, err := atoi(p)
			if err != nil {
				return 0, err
			}
			*vals[i] = v
		}
	}

	totalSeconds := days*24*3600 + hours*3600 + minutes*60 + seconds
	return time.Duration(totalSeconds) * time.Second, nil
}

func formatSlurmTimeSpec(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	total := int64(d.Seconds())
	days := total / (24 * 3600)
	rem := total % (24 * 3600)
	hours := rem / 3600
	rem %= 3600
	minutes := rem / 60
	seconds := rem % 60
	if days > 0 {
		return fmt.Sprintf("%d-%02d:%02d:%02d", days, hours, minutes, seconds)
	}
	return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
}

// formatHMSTime renders d as "HH:MM:SS" with unbounded hours (PBS walltime).
func formatHMSTime(d time.Duration) string {
	total := int64(d.Seconds())
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total%3600)/60, total%60)
}

// parseHMSTime parses PBS walltime "[[hours:]minutes:]seconds[.fraction]".
// A bare number is seconds.
func parseHMSTime(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return 0, fmt.Errorf("%w: %s", ErrInvalidTimeFormat, s)
	}

	last := len(parts) - 1
	secs, err := strconv.ParseFloat(parts[last], 64)
	if err != nil || strings.Trim(parts[last], "0123456789.") != "" {
		return 0, fmt.Errorf("%w: %s", ErrInvalidTimeFormat, s)
	}
	d := time.Duration(secs * float64(time.Second))

	units := []time.Duration{time.Minute, time.Hour}
	for i := last - 1; i >= 0; i-- {
		n, err := strconv.ParseInt(parts[i], 10, 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("%w: %s", ErrInvalidTimeFormat, s)
		}
		d += time.Duration(n) * units[last-1-i]
	}
	return d, nil
}
