package srs

// Dependency is one outgoing prerequisite edge of a subject.
type Dependency struct {
	DependencyID int64 `json:"dependency_id"`
	Percent      int   `json:"percent"`
}

// ValidPercent reports whether p is an acceptable dependency threshold.
func ValidPercent(p int) bool {
	return p >= 0 && p <= 100
}

// Locked reports whether a subject with the given prerequisite edges must
// stay locked. stages holds the user's current stage per subject; a missing
// entry means the dependency has never been unlocked.
//
// Edges sharing a percent form one group: at least percent% of the group
// must be passed. Any dependency without progress locks the subject.
func Locked(deps []Dependency, stages map[int64]int, passedStage int) bool {
	type group struct{ total, passed int }
	groups := make(map[int]*group)

	for _, d := range deps {
		stage, ok := stages[d.DependencyID]
		if !ok {
			return true
		}
		g := groups[d.Percent]
		if g == nil {
			g = &group{}
			groups[d.Percent] = g
		}
		g.total++
		if stage >= passedStage {
			g.passed++
		}
	}

	for percent, g := range groups {
		// Same result as the truncating passed*100/total < percent.
		if g.passed*100 < percent*g.total {
			return true
		}
	}
	return false
}
