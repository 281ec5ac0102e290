// Package corpus defines the read-only view of a segmented text corpus: ordered
// units (chapters) with the structured facts extracted from them.
package corpus

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
)

// Interaction is a structured fact linking two entities within one unit.
type Interaction struct {
	Source      string `json:"source"`
	Target      string `json:"target"`
	Relation    string `json:"relation"`
	Description string `json:"description"`
}

// Entity is a named subject mentioned in a unit.
type Entity struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// Unit is one ordered segment of the corpus with a stable position.
type Unit struct {
	Position     int           `json:"position"`
	Title        string        `json:"title"`
	Interactions []Interaction `json:"interactions,omitempty"`
	Sentences    []string      `json:"sentences,omitempty"`
	Entities     []Entity      `json:"entities,omitempty"`
}

// Document is the import format: one corpus and its units.
type Document struct {
	CorpusID string `json:"corpus_id"`
	Units    []Unit `json:"units"`
}

// Decode reads a Document from r, validates it and sorts units by position.
func Decode(r io.Reader) (Document, error) {
	var doc Document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return Document{}, fmt.Errorf("decoding corpus: %w", err)
	}
	if err := doc.normalize(); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// LoadFile reads a Document from a JSON file.
func LoadFile(path string) (Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return Document{}, fmt.Errorf("opening corpus file: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Normalize validates doc and returns it with units sorted by position.
func Normalize(doc Document) (Document, error) {
	if err := doc.normalize(); err != nil {
		return Document{}, err
	}
	return doc, nil
}

func (d *Document) normalize() error {
	seen := make(map[int]bool, len(d.Units))
	for _, u := range d.Units {
		if u.Position < 0 {
			return fmt.Errorf("unit %q has negative position %d", u.Title, u.Position)
		}
		if seen[u.Position] {
			return fmt.Errorf("duplicate unit position %d", u.Position)
		}
		seen[u.Position] = true
	}
	sort.Slice(d.Units, func(i, j int) bool {
		return d.Units[i].Position < d.Units[j].Position
	})
	return nil
}
