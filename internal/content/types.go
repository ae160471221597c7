// Package content loads subject catalogs from YAML and spreadsheet files and
// imports them into the study ledger.
package content

// Catalog is a set of themes whose subjects reference each other by key.
type Catalog struct {
	Themes []ThemeEntry `yaml:"themes"`
}

// ThemeEntry is one theme and its subjects.
type ThemeEntry struct {
	Title    string        `yaml:"title"`
	Subjects []SubjectEntry `yaml:"subjects"`
}

// SubjectEntry is one subject. Key is unique across the whole catalog and
// only used to wire Requires; the stored identity is (theme, title).
type SubjectEntry struct {
	Key      string        `yaml:"key"`
	Title    string        `yaml:"title"`
	Requires []Requirement `yaml:"requires"`
}

// Requirement says a subject needs Percent of its same-percent group passed.
type Requirement struct {
	Key     string `yaml:"key"`
	Percent int    `yaml:"percent"`
}

// Subjects returns the number of subjects across all themes.
func (c Catalog) Subjects() int {
	n := 0
	for _, th := range c.Themes {
		n += len(th.Subjects)
	}
	return n
}

// Merge appends other's themes, folding subjects of equal theme titles
// into one theme.
func (c *Catalog) Merge(other Catalog) {
	for _, th := range other.Themes {
		i := c.themeIndex(th.Title)
		if i < 0 {
			c.Themes = append(c.Themes, th)
			continue
		}
		c.Themes[i].Subjects = append(c.Themes[i].Subjects, th.Subjects...)
	}
}

func (c *Catalog) themeIndex(title string) int {
	for i, th := range c.Themes {
		if th.Title == title {
			return i
		}
	}
	return -1
}
