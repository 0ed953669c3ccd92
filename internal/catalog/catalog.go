// Package catalog loads the target verses a recitation is graded against.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Verse is a reference text with one rendering per language code.
type Verse struct {
	ID        string
	Reference string
	Text      map[string]string
}

// TextFor returns the verse text for a language, or "" if none is recorded.
func (v Verse) TextFor(language string) string {
	return v.Text[language]
}

// MarshalJSON flattens languages next to the id, the same shape the catalog is written in.
func (v Verse) MarshalJSON() ([]byte, error) {
	out := make(map[string]string, len(v.Text)+2)
	for lang, text := range v.Text {
		out[lang] = text
	}
	out["verse_id"] = v.ID
	if v.Reference != "" {
		out["reference"] = v.Reference
	}
	return json.Marshal(out)
}

// Partition carries the optional grouping metadata of a catalog, usually the memorization week.
type Partition struct {
	ID    string `json:"id,omitempty"`
	Title string `json:"title,omitempty"`
}

// Catalog is an ordered, read-only list of verses.
type Catalog struct {
	verses    []Verse
	partition Partition
}

// LoadError reports a catalog that cannot be used. It is fatal at startup.
type LoadError struct {
	Source string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("verse catalog %s: %v", e.Source, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

var (
	idKeys        = []string{"verse_id", "id"}
	metaKeys      = map[string]bool{"verse_id": true, "id": true, "reference": true}
	partitionKeys = []string{"week", "week_id", "partition"}
)

// Load reads a catalog from a JSON or YAML file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Source: path, Err: err}
	}
	c, err := Parse(data)
	if err != nil {
		var le *LoadError
		if errors.As(err, &le) {
			le.Source = path
			return nil, le
		}
		return nil, &LoadError{Source: path, Err: err}
	}
	return c, nil
}

// Parse accepts a single verse object, a list of verse objects, or an object
// holding the list under "verses".
func Parse(data []byte) (*Catalog, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, &LoadError{Source: "payload", Err: err}
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, &LoadError{Source: "payload", Err: fmt.Errorf("empty document")}
	}
	doc := root.Content[0]

	var (
		items     []*yaml.Node
		partition Partition
	)
	switch doc.Kind {
	case yaml.SequenceNode:
		items = doc.Content
	case yaml.MappingNode:
		if list := mappingValue(doc, "verses"); list != nil {
			if list.Kind != yaml.SequenceNode {
				return nil, &LoadError{Source: "payload", Err: fmt.Errorf("verses must be a list")}
			}
			items = list.Content
			partition = decodePartition(doc)
		} else {
			items = []*yaml.Node{doc}
		}
	default:
		return nil, &LoadError{Source: "payload", Err: fmt.Errorf("expected a verse object, a list of verses, or an object with a verses list")}
	}

	if len(items) == 0 {
		return nil, &LoadError{Source: "payload", Err: fmt.Errorf("catalog contains no verses")}
	}

	verses := make([]Verse, 0, len(items))
	seen := make(map[string]bool, len(items))
	for i, item := range items {
		v, err := decodeVerse(item)
		if err != nil {
			return nil, &LoadError{Source: "payload", Err: fmt.Errorf("verse %d: %w", i, err)}
		}
		if seen[v.ID] {
			return nil, &LoadError{Source: "payload", Err: fmt.Errorf("verse %d: duplicate verse_id %q", i, v.ID)}
		}
		seen[v.ID] = true
		verses = append(verses, v)
	}

	return &Catalog{verses: verses, partition: partition}, nil
}

// New builds a catalog directly, mostly for tests and tooling.
func New(verses []Verse, partition Partition) *Catalog {
	return &Catalog{verses: append([]Verse(nil), verses...), partition: partition}
}

func decodeVerse(node *yaml.Node) (Verse, error) {
	if node.Kind != yaml.MappingNode {
		return Verse{}, fmt.Errorf("expected an object")
	}
	var fields map[string]any
	if err := node.Decode(&fields); err != nil {
		return Verse{}, err
	}

	v := Verse{Text: make(map[string]string)}
	for _, key := range idKeys {
		if raw, ok := fields[key]; ok && raw != nil {
			v.ID = strings.TrimSpace(fmt.Sprint(raw))
			break
		}
	}
	if v.ID == "" {
		return Verse{}, fmt.Errorf("verse_id is required")
	}
	if ref, ok := fields["reference"].(string); ok {
		v.Reference = ref
	}
	for key, raw := range fields {
		if metaKeys[key] {
			continue
		}
		if text, ok := raw.(string); ok {
			v.Text[key] = text
		}
	}
	if len(v.Text) == 0 {
		return Verse{}, fmt.Errorf("verse %q has no text", v.ID)
	}
	return v, nil
}

func decodePartition(doc *yaml.Node) Partition {
	var p Partition
	for _, key := range partitionKeys {
		if n := mappingValue(doc, key); n != nil && n.Kind == yaml.ScalarNode {
			p.ID = strings.TrimSpace(n.Value)
			break
		}
	}
	if n := mappingValue(doc, "title"); n != nil && n.Kind == yaml.ScalarNode {
		p.Title = n.Value
	}
	return p
}

func mappingValue(m *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

// Len reports the number of verses.
func (c *Catalog) Len() int { return len(c.verses) }

// Verse returns the verse at index i.
func (c *Catalog) Verse(i int) (Verse, bool) {
	if i < 0 || i >= len(c.verses) {
		return Verse{}, false
	}
	return c.verses[i], true
}

// Verses returns a copy of the ordered verse list.
func (c *Catalog) Verses() []Verse {
	return append([]Verse(nil), c.verses...)
}

func (c *Catalog) Partition() Partition { return c.partition }

// Languages lists every language code present in the catalog, sorted.
func (c *Catalog) Languages() []string {
	set := make(map[string]bool)
	for _, v := range c.verses {
		for lang := range v.Text {
			set[lang] = true
		}
	}
	out := make([]string, 0, len(set))
	for lang := range set {
		out = append(out, lang)
	}
	sort.Strings(out)
	return out
}
