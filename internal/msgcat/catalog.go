package msgcat

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/template"

	yaml "gopkg.in/yaml.v3"
)

//go:embed messages.en.yaml
var defaultFiles embed.FS

const defaultFile = "messages.en.yaml"

var ErrNotFound = errors.New("message template not found")

// Catalog holds notification templates keyed by flattened dot paths
// ("events.match_completed.win"). Templates are parsed once and executed with
// missingkey=error.
type Catalog struct {
	mu  sync.RWMutex
	tpl map[string]*template.Template
}

// New loads the embedded defaults, then every *.yaml/*.yml file in overrideDir.
func New(overrideDir string) (*Catalog, error) {
	c := &Catalog{tpl: make(map[string]*template.Template)}
	raw, err := fs.ReadFile(defaultFiles, defaultFile)
	if err != nil { return nil, fmt.Errorf("read embedded messages: %w", err) }
	flat, err := parseFlat(raw)
	if err != nil { return nil, fmt.Errorf("parse embedded messages: %w", err) }
	if err := c.apply(flat); err != nil { return nil, err }
	if strings.TrimSpace(overrideDir) != "" {
		if err := c.applyDir(overrideDir); err != nil { return nil, err }
	}
	return c, nil
}

func (c *Catalog) applyDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil { return fmt.Errorf("read messages dir: %w", err) }
	var files []string
	for _, e := range entries {
		if e.IsDir() { continue }
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml":
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	seen := make(map[string]string) // key -> file
	for _, name := range files {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil { return fmt.Errorf("read %s: %w", name, err) }
		flat, err := parseFlat(b)
		if err != nil { return fmt.Errorf("parse %s: %w", name, err) }
		for k := range flat {
			if prev, ok := seen[k]; ok {
				return fmt.Errorf("duplicate override key %q in %s and %s", k, prev, name)
			}
			seen[k] = name
		}
		if err := c.apply(flat); err != nil { return fmt.Errorf("%s: %w", name, err) }
	}
	return nil
}

func (c *Catalog) apply(flat map[string]string) error {
	parsed := make(map[string]*template.Template, len(flat))
	for k, v := range flat {
		t, err := template.New(k).Option("missingkey=error").Parse(v)
		if err != nil { return fmt.Errorf("template %s: %w", k, err) }
		parsed[k] = t
	}
	c.mu.Lock()
	for k, t := range parsed {
		c.tpl[k] = t
	}
	c.mu.Unlock()
	return nil
}

func parseFlat(b []byte) (map[string]string, error) {
	var m map[string]any
	if err := yaml.Unmarshal(b, &m); err != nil { return nil, err }
	flat := make(map[string]string)
	if err := flatten(m, "", flat); err != nil { return nil, err }
	return flat, nil
}

func flatten(src any, prefix string, out map[string]string) error {
	switch v := src.(type) {
	case map[string]any:
		for k, vv := range v {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			if err := flatten(vv, key, out); err != nil { return err }
		}
		return nil
	case string:
		if prefix == "" { return errors.New("string value without key") }
		out[prefix] = v
		return nil
	case nil:
		return nil
	default:
		// only string leaves
		return fmt.Errorf("unsupported value at %s: %T", prefix, v)
	}
}

// Has reports whether key has a template.
func (c *Catalog) Has(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.tpl[strings.TrimSpace(key)]
	return ok
}

// Keys lists every template key in order.
func (c *Catalog) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.tpl))
	for k := range c.tpl {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Render executes the template for key with data.
func (c *Catalog) Render(key string, data any) (string, error) {
	c.mu.RLock()
	t, ok := c.tpl[strings.TrimSpace(key)]
	c.mu.RUnlock()
	if !ok { return "", fmt.Errorf("%w: %s", ErrNotFound, key) }
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil { return "", err }
	return b.String(), nil
}
