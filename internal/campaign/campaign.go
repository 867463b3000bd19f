// Package campaign holds the read-only campaign definitions the engine is
// configured with: tiers, funding goal, stretch goals, and decisions. The
// static site owns authoring; the engine only reads.
package campaign

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Tier struct {
	ID         string `yaml:"id" json:"id"`
	Title      string `yaml:"title" json:"title"`
	PriceCents int64  `yaml:"price_cents" json:"price_cents"`
	// LimitTotal is nil for unlimited tiers.
	LimitTotal *int `yaml:"limit_total" json:"limit_total"`
	// Stackable tiers may be taken with qty > 1 in a single pledge.
	Stackable bool `yaml:"stackable" json:"stackable"`
	// RequiresThresholdCents hides the tier until the campaign's pledged
	// total reaches it. Zero means always available.
	RequiresThresholdCents int64 `yaml:"requires_threshold_cents" json:"requires_threshold_cents"`
}

type StretchGoal struct {
	ThresholdCents int64  `yaml:"threshold_cents" json:"threshold_cents"`
	Title          string `yaml:"title" json:"title"`
}

type DecisionStatus string

const (
	DecisionOpen   DecisionStatus = "open"
	DecisionClosed DecisionStatus = "closed"
)

type Decision struct {
	ID      string         `yaml:"id" json:"id"`
	Status  DecisionStatus `yaml:"status" json:"status"`
	Prompt  string         `yaml:"prompt" json:"prompt"`
	Options []string       `yaml:"options" json:"options"`

	// CampaignSlug is filled by the loader.
	CampaignSlug string `yaml:"-" json:"campaign_slug"`
}

func (d Decision) HasOption(option string) bool {
	for _, o := range d.Options {
		if o == option {
			return true
		}
	}
	return false
}

type Campaign struct {
	Slug         string        `yaml:"slug" json:"slug"`
	Title        string        `yaml:"title" json:"title"`
	Currency     string        `yaml:"currency" json:"currency"`
	GoalCents    int64         `yaml:"goal_cents" json:"goal_cents"`
	Deadline     time.Time     `yaml:"deadline" json:"deadline"`
	Tiers        []Tier        `yaml:"tiers" json:"tiers"`
	StretchGoals []StretchGoal `yaml:"stretch_goals" json:"stretch_goals"`
	Decisions    []Decision    `yaml:"decisions" json:"decisions"`
}

func (c Campaign) Tier(id string) (Tier, bool) {
	for _, t := range c.Tiers {
		if t.ID == id {
			return t, true
		}
	}
	return Tier{}, false
}

// HasDecision reports whether this campaign runs the decision.
func (c Campaign) HasDecision(id string) bool {
	for _, d := range c.Decisions {
		if d.ID == id {
			return true
		}
	}
	return false
}

// Closed reports whether the modification window has passed.
func (c Campaign) Closed(now time.Time) bool {
	return !c.Deadline.IsZero() && !now.Before(c.Deadline)
}

// Milestone is a funding threshold that triggers a one-time notification.
type Milestone struct {
	Name      string `json:"name"`
	Threshold int64  `json:"threshold"`
}

// Milestones returns the campaign's thresholds in ascending evaluation
// order: one_third, two_thirds, goal, then stretch goals ascending. The
// fractional thresholds round the goal to the nearest minor unit.
func (c Campaign) Milestones() []Milestone {
	ms := []Milestone{
		{Name: "one_third", Threshold: (c.GoalCents + 1) / 3},
		{Name: "two_thirds", Threshold: (2*c.GoalCents + 1) / 3},
		{Name: "goal", Threshold: c.GoalCents},
	}
	stretch := make([]StretchGoal, len(c.StretchGoals))
	copy(stretch, c.StretchGoals)
	sort.Slice(stretch, func(i, j int) bool { return stretch[i].ThresholdCents < stretch[j].ThresholdCents })
	for _, sg := range stretch {
		ms = append(ms, Milestone{
			Name:      fmt.Sprintf("stretch:%d", sg.ThresholdCents),
			Threshold: sg.ThresholdCents,
		})
	}
	return ms
}

// Registry is the loaded set of campaign definitions.
type Registry struct {
	campaigns map[string]Campaign
	decisions map[string]Decision
}

func NewRegistry(campaigns ...Campaign) (*Registry, error) {
	r := &Registry{
		campaigns: make(map[string]Campaign),
		decisions: make(map[string]Decision),
	}
	for _, c := range campaigns {
		if err := r.add(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) add(c Campaign) error {
	if strings.TrimSpace(c.Slug) == "" {
		return fmt.Errorf("campaign slug is required")
	}
	if _, ok := r.campaigns[c.Slug]; ok {
		return fmt.Errorf("duplicate campaign slug %q", c.Slug)
	}
	for i := range c.Decisions {
		c.Decisions[i].CampaignSlug = c.Slug
		d := c.Decisions[i]
		if d.ID == "" {
			return fmt.Errorf("campaign %q: decision id is required", c.Slug)
		}
		if _, ok := r.decisions[d.ID]; ok {
			return fmt.Errorf("duplicate decision id %q", d.ID)
		}
		r.decisions[d.ID] = d
	}
	r.campaigns[c.Slug] = c
	return nil
}

func (r *Registry) Campaign(slug string) (Campaign, bool) {
	c, ok := r.campaigns[slug]
	return c, ok
}

// Slugs returns every loaded campaign slug, sorted.
func (r *Registry) Slugs() []string {
	out := make([]string, 0, len(r.campaigns))
	for slug := range r.campaigns {
		out = append(out, slug)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Decision(id string) (Decision, bool) {
	d, ok := r.decisions[id]
	return d, ok
}

// LoadDir reads every *.yaml/*.yml campaign definition in dir.
func LoadDir(dir string) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read campaign dir: %w", err)
	}
	var campaigns []Campaign
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		var c Campaign
		if err := yaml.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("parse %s: %w", e.Name(), err)
		}
		campaigns = append(campaigns, c)
	}
	return NewRegistry(campaigns...)
}
