package config

const (
	KeyNewTaskAHT = "new_task_aht"
	KeyReworkAHT  = "rework_aht"

	DefaultNewTaskAHT = 10.0
	DefaultReworkAHT  = 4.0
)

var systemDefaults = map[string]float64{
	KeyNewTaskAHT: DefaultNewTaskAHT,
	KeyReworkAHT:  DefaultReworkAHT,
}

// Store is the key/value configuration contract consumed by aggregation.
type Store interface {
	Get(projectID, key string) (float64, bool)
}

var _ Store = Lookup{}

// Lookup is an immutable snapshot of the constants document. The engine
// builds one per sync cycle and passes it into every aggregation.
type Lookup struct {
	defaults ProjectConstants
	projects map[string]ProjectConstants
	remap    map[string]string
}

// NewLookup copies c so later edits to the document do not leak in.
func NewLookup(c *Constants) Lookup {
	l := Lookup{projects: map[string]ProjectConstants{}, remap: map[string]string{}}
	if c == nil {
		return l
	}
	l.defaults = copyProject(c.Defaults)
	for id, p := range c.Projects {
		l.projects[id] = copyProject(p)
	}
	for from, to := range c.TimeTracking.ProjectRemap {
		l.remap[from] = to
	}
	return l
}

func copyProject(p ProjectConstants) ProjectConstants {
	out := ProjectConstants{}
	if p.NewTaskAHT != nil {
		v := *p.NewTaskAHT
		out.NewTaskAHT = &v
	}
	if p.ReworkAHT != nil {
		v := *p.ReworkAHT
		out.ReworkAHT = &v
	}
	if len(p.Thresholds) > 0 {
		out.Thresholds = make(map[string]float64, len(p.Thresholds))
		for k, v := range p.Thresholds {
			out.Thresholds[k] = v
		}
	}
	return out
}

// Get resolves key for projectID: project value, then document defaults.
func (l Lookup) Get(projectID, key string) (float64, bool) {
	if p, ok := l.projects[projectID]; ok {
		if v, ok := p.get(key); ok {
			return v, true
		}
	}
	return l.defaults.get(key)
}

// Value is s.Get with the documented system default as last resort. found
// is false when the system default was used.
func Value(s Store, projectID, key string) (v float64, found bool) {
	if v, ok := s.Get(projectID, key); ok {
		return v, true
	}
	return systemDefaults[key], false
}

// AHT returns the new-task and rework AHT for a project plus the keys that
// fell back to system defaults.
func AHT(s Store, projectID string) (newAHT, reworkAHT float64, missing []string) {
	newAHT, ok := Value(s, projectID, KeyNewTaskAHT)
	if !ok {
		missing = append(missing, KeyNewTaskAHT)
	}
	reworkAHT, ok = Value(s, projectID, KeyReworkAHT)
	if !ok {
		missing = append(missing, KeyReworkAHT)
	}
	return newAHT, reworkAHT, missing
}

// TimeTrackingProject applies the configured time-tracking correction.
func (l Lookup) TimeTrackingProject(projectID string) string {
	if to, ok := l.remap[projectID]; ok {
		return to
	}
	return projectID
}
