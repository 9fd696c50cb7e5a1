// Package intent converts free text into a structured Intent through a
// priority-ordered rule set. The classifier is deterministic: no learned
// model, no LLM, pure over (text, now, locale).
package intent

import "time"

// Kind enumerates the intents the normalizer can produce.
type Kind string

const (
	KindReminderCreate Kind = "reminder.create"
	KindGoalCreate     Kind = "goal.create"
	KindMemoryAdd      Kind = "memory.add"
	KindChat           Kind = "chat"
	KindNoop           Kind = "noop"
)

// Intent is the normalizer output.
type Intent struct {
	Kind        Kind    `json:"kind"`
	Confidence  float64 `json:"confidence"`
	SurfaceForm string  `json:"surface_form"`
	Fields      Fields  `json:"fields"`
}

// Fields carries rule-extracted slots.
type Fields struct {
	Task                string `json:"task,omitempty"`
	DueEpoch            int64  `json:"due_epoch,omitempty"`
	NeedsClarification  bool   `json:"needs_clarification,omitempty"`
	ClarificationPrompt string `json:"clarification_prompt,omitempty"`
}

// Due returns the due time, valid only when DueEpoch is set.
func (f Fields) Due() time.Time {
	return time.Unix(f.DueEpoch, 0)
}

// Actionable reports whether the intent can be executed without asking
// the user anything further.
func (i Intent) Actionable() bool {
	switch i.Kind {
	case KindReminderCreate, KindGoalCreate, KindMemoryAdd:
		return !i.Fields.NeedsClarification
	default:
		return false
	}
}

// Normalize classifies text against the rule table. Rules are evaluated
// in descending priority; the first match wins, ties resolve by table
// order. No match yields chat.
func Normalize(text string, now time.Time, loc *time.Location) Intent {
	if loc == nil {
		loc = time.Local
	}
	now = now.In(loc)

	guarded := reminderGuarded(text)

	var best *matched
	for i := range rules {
		r := &rules[i]
		if guarded && r.kind == KindReminderCreate {
			continue
		}
		m := r.pattern.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		if best == nil || r.priority > best.rule.priority {
			best = &matched{rule: r, groups: m}
		}
	}

	if best == nil {
		return Intent{Kind: KindChat, Confidence: 0.5, SurfaceForm: "chat"}
	}

	intent := Intent{
		Kind:        best.rule.kind,
		Confidence:  best.rule.confidence,
		SurfaceForm: best.rule.surfaceForm,
	}
	if best.rule.extract != nil {
		intent.Fields = best.rule.extract(best.groups, now, loc)
	}
	return intent
}

type matched struct {
	rule   *rule
	groups []string
}
