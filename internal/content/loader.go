package content

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON string

var (
	schemaOnce sync.Once
	schema     *gojsonschema.Schema
	schemaErr  error
)

func catalogSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	})
	return schema, schemaErr
}

// ParseYAML decodes a catalog document and checks it against the catalog
// schema. Titles and keys are NFC-normalised and trimmed.
func ParseYAML(data []byte) (Catalog, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Catalog{}, fmt.Errorf("decode yaml: %w", err)
	}
	if doc == nil {
		return Catalog{}, fmt.Errorf("catalog is empty")
	}

	s, err := catalogSchema()
	if err != nil {
		return Catalog{}, fmt.Errorf("load catalog schema: %w", err)
	}
	res, err := s.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return Catalog{}, fmt.Errorf("validate catalog: %w", err)
	}
	if !res.Valid() {
		msgs := make([]string, 0, len(res.Errors()))
		for _, e := range res.Errors() {
			msgs = append(msgs, e.String())
		}
		return Catalog{}, fmt.Errorf("catalog does not match schema: %s", strings.Join(msgs, "; "))
	}

	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Catalog{}, fmt.Errorf("decode catalog: %w", err)
	}
	normalize(&c)
	return c, nil
}

// LoadFile reads one catalog file, choosing the format by extension.
func LoadFile(path string) (Catalog, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return Catalog{}, err
		}
		c, err := ParseYAML(data)
		if err != nil {
			return Catalog{}, fmt.Errorf("%s: %w", path, err)
		}
		return c, nil
	case ".xlsx":
		return LoadXLSX(path, "")
	default:
		return Catalog{}, fmt.Errorf("unsupported catalog file: %s", path)
	}
}

// LoadDir walks root and merges every YAML and XLSX catalog it finds.
// Files in any other format are ignored.
func LoadDir(root string) (Catalog, error) {
	var out Catalog
	files := 0
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml", ".xlsx":
		default:
			return nil
		}
		if strings.HasPrefix(info.Name(), "~$") {
			return nil // Excel lock file
		}

		c, err := LoadFile(path)
		if err != nil {
			return err
		}
		out.Merge(c)
		files++
		return nil
	})
	if err != nil {
		return Catalog{}, fmt.Errorf("loading catalog: %w", err)
	}

	slog.Info("catalog loaded", "root", root, "files", files, "themes", len(out.Themes), "subjects", out.Subjects())
	return out, nil
}

func normalize(c *Catalog) {
	for i := range c.Themes {
		th := &c.Themes[i]
		th.Title = clean(th.Title)
		for j := range th.Subjects {
			sub := &th.Subjects[j]
			sub.Key = clean(sub.Key)
			sub.Title = clean(sub.Title)
			for k := range sub.Requires {
				sub.Requires[k].Key = clean(sub.Requires[k].Key)
			}
		}
	}
}

func clean(s string) string {
	return strings.TrimSpace(norm.NFC.String(s))
}
