package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Constants models the per-project configuration document (AHT values,
// classification thresholds and time-tracking corrections).
type Constants struct {
	Defaults     ProjectConstants            `yaml:"defaults" json:"defaults"`
	Projects     map[string]ProjectConstants `yaml:"projects" json:"projects"`
	TimeTracking TimeTracking                `yaml:"time_tracking" json:"time_tracking"`
}

type ProjectConstants struct {
	NewTaskAHT *float64           `yaml:"new_task_aht,omitempty" json:"new_task_aht,omitempty"`
	ReworkAHT  *float64           `yaml:"rework_aht,omitempty" json:"rework_aht,omitempty"`
	Thresholds map[string]float64 `yaml:"thresholds,omitempty" json:"thresholds,omitempty"`
}

// TimeTracking holds externally supplied corrections for the logged-hours
// feed. ProjectRemap maps the project a time entry was recorded under to the
// project it should be credited to.
type TimeTracking struct {
	ProjectRemap map[string]string `yaml:"project_remap,omitempty" json:"project_remap,omitempty"`
}

func (p ProjectConstants) get(key string) (float64, bool) {
	switch key {
	case KeyNewTaskAHT:
		if p.NewTaskAHT != nil {
			return *p.NewTaskAHT, true
		}
		return 0, false
	case KeyReworkAHT:
		if p.ReworkAHT != nil {
			return *p.ReworkAHT, true
		}
		return 0, false
	default:
		v, ok := p.Thresholds[key]
		return v, ok
	}
}

func (p ProjectConstants) validate(scope string) error {
	if p.NewTaskAHT != nil && *p.NewTaskAHT <= 0 {
		return fmt.Errorf("%s.new_task_aht must be positive", scope)
	}
	if p.ReworkAHT != nil && *p.ReworkAHT <= 0 {
		return fmt.Errorf("%s.rework_aht must be positive", scope)
	}
	for key := range p.Thresholds {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("%s.thresholds contains an empty key", scope)
		}
	}
	return nil
}

// Validate ensures the document is usable as a configuration store.
func (c *Constants) Validate() error {
	if err := c.Defaults.validate("defaults"); err != nil {
		return err
	}
	for id, p := range c.Projects {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("projects contains an empty project id")
		}
		if err := p.validate("projects." + id); err != nil {
			return err
		}
	}
	for from, to := range c.TimeTracking.ProjectRemap {
		if strings.TrimSpace(from) == "" || strings.TrimSpace(to) == "" {
			return fmt.Errorf("time_tracking.project_remap entries need both projects")
		}
		if from == to {
			return fmt.Errorf("time_tracking.project_remap maps %s onto itself", from)
		}
	}
	return nil
}

// FromYAML parses and validates a constants document.
func FromYAML(data []byte) (*Constants, error) {
	var c Constants
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("invalid constants yaml: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// FromFile reads a constants document from path.
func FromFile(path string) (*Constants, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the document seeded into a fresh store.
func Default() *Constants {
	c, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(err)
	}
	return c
}

const defaultTemplate = `defaults:
  new_task_aht: 10.0
  rework_aht: 4.0

projects: {}

time_tracking:
  project_remap: {}
`
