package content

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Spreadsheet columns, in order. The first row is a header and is skipped.
const (
	colTheme = iota
	colKey
	colTitle
	colRequires
	colPercent
)

// LoadXLSX reads a catalog from one sheet of a spreadsheet, one subject per
// row: Theme | Key | Title | Requires | Percent. Requires is a comma
// separated list of keys, all sharing the row's Percent (100 when blank).
// An empty sheet name reads the first sheet.
func LoadXLSX(path, sheet string) (Catalog, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("open spreadsheet: %w", err)
	}
	defer f.Close()

	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return Catalog{}, fmt.Errorf("%s: spreadsheet has no sheets", path)
		}
		sheet = sheets[0]
	}

	rows, err := f.GetRows(sheet)
	if err != nil {
		return Catalog{}, fmt.Errorf("%s: read sheet %q: %w", path, sheet, err)
	}

	var c Catalog
	for i, row := range rows {
		if i == 0 || blank(row) {
			continue
		}
		themeTitle, sub, err := parseRow(row)
		if err != nil {
			return Catalog{}, fmt.Errorf("%s: row %d: %w", path, i+1, err)
		}
		c.Merge(Catalog{Themes: []ThemeEntry{{Title: themeTitle, Subjects: []SubjectEntry{sub}}}})
	}
	normalize(&c)
	return c, nil
}

func parseRow(row []string) (string, SubjectEntry, error) {
	cell := func(i int) string {
		if i < len(row) {
			return strings.TrimSpace(row[i])
		}
		return ""
	}

	theme := cell(colTheme)
	sub := SubjectEntry{Key: cell(colKey), Title: cell(colTitle)}
	switch {
	case theme == "":
		return "", sub, fmt.Errorf("theme is empty")
	case sub.Key == "":
		return "", sub, fmt.Errorf("key is empty")
	case sub.Title == "":
		return "", sub, fmt.Errorf("title is empty")
	}

	percent := 100
	if p := cell(colPercent); p != "" {
		n, err := strconv.Atoi(strings.TrimSuffix(p, "%"))
		if err != nil {
			return "", sub, fmt.Errorf("percent %q is not a number", p)
		}
		percent = n
	}
	for _, key := range strings.Split(cell(colRequires), ",") {
		if key = strings.TrimSpace(key); key != "" {
			sub.Requires = append(sub.Requires, Requirement{Key: key, Percent: percent})
		}
	}
	return theme, sub, nil
}

func blank(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
