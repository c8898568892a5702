// Package template implements declarative condition→action rules that mark
// scenes for repurposing workflows.
package template

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/heimdex/heimdex-scenes/internal/scene"
)

// ActionType names what a matching rule does to a scene.
type ActionType string

const (
	ActionPromote   ActionType = "promote"
	ActionHighlight ActionType = "highlight"
	ActionKeyMoment ActionType = "key_moment"
	ActionTag       ActionType = "tag"
	ActionPriority  ActionType = "priority"
)

type Action struct {
	Type     ActionType `json:"type"`
	Tag      string     `json:"tag,omitempty"`
	Priority int        `json:"priority,omitempty"`
}

func (a Action) validate() error {
	switch a.Type {
	case ActionPromote, ActionHighlight, ActionKeyMoment:
		return nil
	case ActionTag:
		if a.Tag == "" {
			return fmt.Errorf("tag action needs a tag")
		}
		return nil
	case ActionPriority:
		if a.Priority < -10 || a.Priority > 10 {
			return fmt.Errorf("priority must be between -10 and 10")
		}
		return nil
	}
	return fmt.Errorf("unknown action %q", a.Type)
}

// apply mutates s and reports whether anything changed.
func (a Action) apply(s *scene.Scene) bool {
	switch a.Type {
	case ActionPromote:
		if s.IsPromoted {
			return false
		}
		s.IsPromoted = true
	case ActionHighlight:
		if s.IsHighlight {
			return false
		}
		s.IsHighlight = true
	case ActionKeyMoment:
		if s.IsKeyMoment {
			return false
		}
		s.IsKeyMoment = true
	case ActionTag:
		if s.HasTag(a.Tag) {
			return false
		}
		s.AddTags(a.Tag)
	case ActionPriority:
		if s.Priority == a.Priority {
			return false
		}
		s.Priority = a.Priority
	default:
		return false
	}
	return true
}

// Rule applies Actions to every scene matching When.
type Rule struct {
	Name    string
	When    Condition
	Actions []Action
}

type ruleJSON struct {
	Name    string          `json:"name"`
	When    json.RawMessage `json:"when"`
	Actions []Action        `json:"actions"`
}

func (r Rule) MarshalJSON() ([]byte, error) {
	var when json.RawMessage
	if r.When != nil {
		b, err := MarshalCondition(r.When)
		if err != nil {
			return nil, err
		}
		when = b
	}
	return json.Marshal(ruleJSON{Name: r.Name, When: when, Actions: r.Actions})
}

func (r *Rule) UnmarshalJSON(data []byte) error {
	var raw ruleJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw.When) == 0 {
		return fmt.Errorf("rule %q: missing condition", raw.Name)
	}
	when, err := ParseCondition(raw.When)
	if err != nil {
		return fmt.Errorf("rule %q: %w", raw.Name, err)
	}
	*r = Rule{Name: raw.Name, When: when, Actions: raw.Actions}
	return nil
}

// Template is a named list of rules. Built-in templates are shared by all
// workspaces and cannot be replaced.
type Template struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	WorkspaceID string    `json:"workspace_id,omitempty"`
	Rules       []Rule    `json:"rules"`
	BuiltIn     bool      `json:"built_in"`
	CreatedAt   time.Time `json:"created_at,omitzero"`
	UpdatedAt   time.Time `json:"updated_at,omitzero"`
}

// Validate checks the template is complete enough to apply.
func (t *Template) Validate() error {
	var problems []string
	if t.Name == "" {
		problems = append(problems, "name is required")
	}
	if len(t.Rules) == 0 {
		problems = append(problems, "at least one rule is required")
	}
	for i, r := range t.Rules {
		if r.When == nil {
			problems = append(problems, fmt.Sprintf("rule %d: condition is required", i))
		}
		if len(r.Actions) == 0 {
			problems = append(problems, fmt.Sprintf("rule %d: at least one action is required", i))
		}
		for _, a := range r.Actions {
			if err := a.validate(); err != nil {
				problems = append(problems, fmt.Sprintf("rule %d: %v", i, err))
			}
		}
	}
	if len(problems) > 0 {
		return scene.NewValidationError(problems...)
	}
	return nil
}

// Match is the outcome of running a template over one scene set.
type Match struct {
	Rule    string   `json:"rule"`
	Matched int      `json:"matched"`
	Changed int      `json:"changed"`
	Scenes  []string `json:"scene_ids"`
}

// Run evaluates every rule against scenes and applies the actions of the
// matching ones in place. Conditions see each scene as it was before any
// rule of this run touched it. It returns per-rule counts and the scenes
// that changed.
func (t *Template) Run(scenes []*scene.Scene) ([]Match, []*scene.Scene) {
	matches := make([]Match, len(t.Rules))
	for i, r := range t.Rules {
		matches[i].Rule = r.Name
	}

	var changed []*scene.Scene
	for _, s := range scenes {
		fields := FieldsOf(s)
		dirty := false
		for i, r := range t.Rules {
			if !r.When.Eval(fields) {
				continue
			}
			matches[i].Matched++
			matches[i].Scenes = append(matches[i].Scenes, s.ID)
			ruleChanged := false
			for _, a := range r.Actions {
				if a.apply(s) {
					ruleChanged = true
				}
			}
			if ruleChanged {
				matches[i].Changed++
				dirty = true
			}
		}
		if dirty {
			changed = append(changed, s)
		}
	}
	return matches, changed
}
