package intent

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

const clarifyWhenPrompt = "When would you like to be reminded?"

// reminderVerb covers the accepted action phrasings: the bare verb
// "remind (me)" or one of set/create/add/schedule applied to "a reminder".
const reminderVerb = `(?:remind(?:\s+me)?|(?:set|create|add|schedule)\s+(?:up\s+)?(?:a(?:nother)?\s+)?reminder)`

const dayWord = `tomorrow|today|tonight|monday|tuesday|wednesday|thursday|friday|saturday|sunday`

const clockExpr = `\d{1,2}(?::\d{2})?\s*(?:a\.?m\.?|p\.?m\.?)?|noon|midnight`

type rule struct {
	name        string
	pattern     *regexp.Regexp
	kind        Kind
	surfaceForm string
	confidence  float64
	priority    int
	extract     func(groups []string, now time.Time, loc *time.Location) Fields
}

// Guards disable every reminder rule for text that mentions reminders
// without requesting one: questions about reminders, past-tense
// narration, and abstract usage ("a reminder system").
var reminderGuards = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^\s*(?:how|what|why|when|where|who|which|can|could|would|do|does|did|is|are|should)\b.*\bremind`),
	regexp.MustCompile(`(?i)\bremind[^?]*\?\s*$`),
	regexp.MustCompile(`(?i)\b(?:i|we)\s+(?:once\s+)?(?:set|created|added|scheduled|made|had)\b.*\breminder\b.*\b(?:once|before|ago|yesterday|already|back\s+then|last\s+(?:week|month|year|night))\b`),
	regexp.MustCompile(`(?i)\b(?:i|we)\s+once\s+(?:set|created|added|scheduled|made)\b.*\breminder`),
	regexp.MustCompile(`(?i)\breminders?\s+(?:system|app|application|feature|service|workflow|tool|bot)s?\b`),
}

func reminderGuarded(text string) bool {
	for _, guard := range reminderGuards {
		if guard.MatchString(text) {
			return true
		}
	}
	return false
}

var (
	explicitDayTimePattern = regexp.MustCompile(
		`(?i)\b` + reminderVerb + `(?:\s+for\s+me)?\s+to\s+(?P<task>.+?)\s+(?P<day>` + dayWord + `)\s+at\s+(?P<time>` + clockExpr + `)`)
	explicitTimeDayPattern = regexp.MustCompile(
		`(?i)\b` + reminderVerb + `(?:\s+for\s+me)?\s+to\s+(?P<task>.+?)\s+at\s+(?P<time>` + clockExpr + `)(?:\s+(?P<day>` + dayWord + `))?`)
	relativePattern = regexp.MustCompile(
		`(?i)\b` + reminderVerb + `(?:\s+for\s+me)?(?:\s+to\s+(?P<task1>.+?))?\s+in\s+(?P<n>\d+)\s+(?P<unit>minutes?|hours?|days?)\b(?:\s+to\s+(?P<task2>.+))?`)
	timeOfDayPattern = regexp.MustCompile(
		`(?i)\b` + reminderVerb + `(?:\s+for\s+me)?\s+to\s+(?P<task>.+?)\s+tomorrow\s+(?P<tod>morning|afternoon|evening)\b`)
	simplePattern = regexp.MustCompile(
		`(?i)\b` + reminderVerb + `\b(?:\s+for\s+me)?(?:\s+to\s+(?P<task>.+))?`)
	goalPattern = regexp.MustCompile(
		`(?i)(?:\b(?:set|create|add)\s+(?:a\s+)?goal(?:\s+to\s+|\s*:\s*)?|\bmy\s+goal\s+is\s+(?:to\s+)?)(?P<task>.*)`)
	memoryPattern = regexp.MustCompile(
		`(?i)\b(?:remember\s+that|save\s+this:?)\s+(?P<content>.+)`)
	actionHintPattern = regexp.MustCompile(
		`(?i)\b(?:ping\s+me|nudge\s+me|notify\s+me|alert\s+me)\b`)
)

var rules = []rule{
	{
		name:        "reminder_explicit_day_time",
		pattern:     explicitDayTimePattern,
		kind:        KindReminderCreate,
		surfaceForm: "set_reminder_explicit",
		confidence:  0.95,
		priority:    13,
		extract: func(groups []string, now time.Time, loc *time.Location) Fields {
			task := group(explicitDayTimePattern, groups, "task")
			day := group(explicitDayTimePattern, groups, "day")
			clock := group(explicitDayTimePattern, groups, "time")
			return dueFields(task, day, clock, now, loc)
		},
	},
	{
		name:        "reminder_explicit_time_day",
		pattern:     explicitTimeDayPattern,
		kind:        KindReminderCreate,
		surfaceForm: "set_reminder_explicit",
		confidence:  0.95,
		priority:    12,
		extract: func(groups []string, now time.Time, loc *time.Location) Fields {
			task := group(explicitTimeDayPattern, groups, "task")
			day := group(explicitTimeDayPattern, groups, "day")
			clock := group(explicitTimeDayPattern, groups, "time")
			return dueFields(task, day, clock, now, loc)
		},
	},
	{
		name:        "reminder_relative",
		pattern:     relativePattern,
		kind:        KindReminderCreate,
		surfaceForm: "set_reminder_relative",
		confidence:  0.9,
		priority:    6,
		extract: func(groups []string, now time.Time, _ *time.Location) Fields {
			task := group(relativePattern, groups, "task1")
			if task == "" {
				task = group(relativePattern, groups, "task2")
			}
			n, _ := strconv.Atoi(group(relativePattern, groups, "n"))
			var delta time.Duration
			switch strings.ToLower(strings.TrimSuffix(group(relativePattern, groups, "unit"), "s")) {
			case "minute":
				delta = time.Duration(n) * time.Minute
			case "hour":
				delta = time.Duration(n) * time.Hour
			case "day":
				delta = time.Duration(n) * 24 * time.Hour
			}
			return Fields{Task: cleanTask(task), DueEpoch: now.Add(delta).Unix()}
		},
	},
	{
		name:        "reminder_time_of_day",
		pattern:     timeOfDayPattern,
		kind:        KindReminderCreate,
		surfaceForm: "set_reminder_time_of_day",
		confidence:  0.7,
		priority:    4,
		extract: func(groups []string, now time.Time, _ *time.Location) Fields {
			tod := strings.ToLower(group(timeOfDayPattern, groups, "tod"))
			return Fields{
				Task:                cleanTask(group(timeOfDayPattern, groups, "task")),
				NeedsClarification:  true,
				ClarificationPrompt: "What time tomorrow " + tod + "?",
			}
		},
	},
	{
		name:        "reminder_simple",
		pattern:     simplePattern,
		kind:        KindReminderCreate,
		surfaceForm: "set_reminder_simple",
		confidence:  0.6,
		priority:    3,
		extract: func(groups []string, _ time.Time, _ *time.Location) Fields {
			return Fields{
				Task:                cleanTask(group(simplePattern, groups, "task")),
				NeedsClarification:  true,
				ClarificationPrompt: clarifyWhenPrompt,
			}
		},
	},
	{
		name:        "goal_create",
		pattern:     goalPattern,
		kind:        KindGoalCreate,
		surfaceForm: "create_goal",
		confidence:  0.8,
		priority:    5,
		extract: func(groups []string, _ time.Time, _ *time.Location) Fields {
			task := cleanTask(group(goalPattern, groups, "task"))
			if task == "" {
				return Fields{NeedsClarification: true, ClarificationPrompt: "What should the goal be?"}
			}
			return Fields{Task: task}
		},
	},
	{
		name:        "memory_add",
		pattern:     memoryPattern,
		kind:        KindMemoryAdd,
		surfaceForm: "add_memory",
		confidence:  0.85,
		priority:    5,
		extract: func(groups []string, _ time.Time, _ *time.Location) Fields {
			return Fields{Task: cleanTask(group(memoryPattern, groups, "content"))}
		},
	},
	{
		name:        "action_hint",
		pattern:     actionHintPattern,
		kind:        KindNoop,
		surfaceForm: "action_hint",
		confidence:  0.4,
		priority:    1,
	},
}

// group extracts a named submatch from a FindStringSubmatch result.
func group(p *regexp.Regexp, groups []string, name string) string {
	idx := p.SubexpIndex(name)
	if idx < 0 || idx >= len(groups) {
		return ""
	}
	return groups[idx]
}

func cleanTask(task string) string {
	task = strings.TrimSpace(task)
	task = strings.TrimRight(task, ".!,;")
	return task
}

func dueFields(task, day, clock string, now time.Time, loc *time.Location) Fields {
	hour, minute, ok := parseClock(clock)
	if !ok {
		return Fields{Task: cleanTask(task), NeedsClarification: true, ClarificationPrompt: clarifyWhenPrompt}
	}

	base := now
	switch d := strings.ToLower(strings.TrimSpace(day)); d {
	case "tomorrow":
		base = now.AddDate(0, 0, 1)
	case "today", "tonight", "":
		// keep today's date
	default:
		base = now.AddDate(0, 0, daysUntilWeekday(now.Weekday(), d))
	}

	due := time.Date(base.Year(), base.Month(), base.Day(), hour, minute, 0, 0, loc)
	// A bare or same-day time already in the past means the next day.
	if !due.After(now) {
		due = due.AddDate(0, 0, 1)
	}
	return Fields{Task: cleanTask(task), DueEpoch: due.Unix()}
}

// parseClock handles "4:30 PM", "16:30", "9am", "noon", "midnight".
func parseClock(clock string) (hour, minute int, ok bool) {
	clock = strings.ToLower(strings.TrimSpace(clock))
	switch clock {
	case "noon":
		return 12, 0, true
	case "midnight":
		return 0, 0, true
	}

	meridiem := ""
	switch {
	case strings.HasSuffix(clock, "am"), strings.HasSuffix(clock, "a.m."), strings.HasSuffix(clock, "a.m"):
		meridiem = "am"
	case strings.HasSuffix(clock, "pm"), strings.HasSuffix(clock, "p.m."), strings.HasSuffix(clock, "p.m"):
		meridiem = "pm"
	}
	clock = strings.TrimRight(clock, "apm. \t")

	parts := strings.SplitN(clock, ":", 2)
	hour, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, false
	}
	if len(parts) == 2 {
		minute, err = strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil || minute < 0 || minute > 59 {
			return 0, 0, false
		}
	}
	switch meridiem {
	case "pm":
		if hour < 12 {
			hour += 12
		}
	case "am":
		if hour == 12 {
			hour = 0
		}
	}
	return hour, minute, true
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday,
	"friday": time.Friday, "saturday": time.Saturday,
}

// daysUntilWeekday returns the day offset to the next occurrence of the
// named weekday, 1..7 (today's weekday means next week).
func daysUntilWeekday(current time.Weekday, name string) int {
	target, ok := weekdays[strings.ToLower(name)]
	if !ok {
		return 1
	}
	delta := (int(target) - int(current) + 7) % 7
	if delta == 0 {
		delta = 7
	}
	return delta
}
