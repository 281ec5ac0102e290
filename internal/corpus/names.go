package corpus

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// PairSeparator joins the two canonical names of a relationship entity id.
const PairSeparator = "_"

// Normalizer maps the many spellings of a character name onto one canonical
// form. Matching is width and case insensitive (NFKC + case folding).
type Normalizer struct {
	aliases  map[string]string   // folded variant -> canonical name
	variants map[string][]string // folded canonical -> folded variants
}

// NewNormalizer builds a Normalizer from a variant -> canonical alias table.
// A nil table is valid.
func NewNormalizer(aliases map[string]string) *Normalizer {
	n := &Normalizer{
		aliases:  make(map[string]string, len(aliases)),
		variants: make(map[string][]string),
	}
	for variant, canonical := range aliases {
		c := clean(canonical)
		v := fold(variant)
		if c == "" || v == "" {
			continue
		}
		n.aliases[v] = c
		n.variants[fold(c)] = append(n.variants[fold(c)], v)
	}
	for k := range n.variants {
		sort.Strings(n.variants[k])
	}
	return n
}

// LoadAliases reads a JSON object of variant -> canonical names. An empty path
// yields an empty table.
func LoadAliases(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading aliases file: %w", err)
	}
	var aliases map[string]string
	if err := json.Unmarshal(data, &aliases); err != nil {
		return nil, fmt.Errorf("parsing aliases file %s: %w", path, err)
	}
	return aliases, nil
}

// Canonical returns the display form of name after alias resolution.
func (n *Normalizer) Canonical(name string) string {
	if c, ok := n.aliases[fold(name)]; ok {
		return c
	}
	return clean(name)
}

// Key returns the comparison key of name: canonical and case folded.
func (n *Normalizer) Key(name string) string {
	return fold(n.Canonical(name))
}

// Same reports whether a and b name the same entity.
func (n *Normalizer) Same(a, b string) bool {
	ka := n.Key(a)
	return ka != "" && ka == n.Key(b)
}

// Mentions reports whether text contains name or any of its aliases.
func (n *Normalizer) Mentions(text, name string) bool {
	key := n.Key(name)
	if key == "" {
		return false
	}
	ft := fold(text)
	if strings.Contains(ft, key) {
		return true
	}
	for _, v := range n.variants[key] {
		if strings.Contains(ft, v) {
			return true
		}
	}
	return false
}

// PairID returns the stable entity id of the relationship between a and b:
// both canonical names, sorted, joined with PairSeparator.
func (n *Normalizer) PairID(a, b string) string {
	names := []string{n.Canonical(a), n.Canonical(b)}
	sort.Strings(names)
	return names[0] + PairSeparator + names[1]
}

// SplitPair is the inverse of PairID.
func SplitPair(id string) (string, string, bool) {
	a, b, ok := strings.Cut(id, PairSeparator)
	if !ok || a == "" || b == "" {
		return "", "", false
	}
	return a, b, true
}

func clean(s string) string {
	return strings.Join(strings.Fields(norm.NFKC.String(s)), " ")
}

func fold(s string) string {
	// Caser values are stateful; one per call.
	return cases.Fold().String(clean(s))
}
