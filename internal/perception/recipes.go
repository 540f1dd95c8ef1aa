package perception

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Recipe is a named prompt template loaded from the recipes directory.
// Placeholders use {{name}} syntax and are substituted verbatim.
type Recipe struct {
	Name        string  `yaml:"name"`
	System      string  `yaml:"system"`
	Template    string  `yaml:"template"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// Render substitutes vars into the recipe template.
func (r *Recipe) Render(vars map[string]string) string {
	out := r.Template
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{{"+k+"}}", v)
	}
	return out
}

// RecipeBook loads and caches recipes from a directory of YAML files.
// Files are named <recipe>.yaml; the filename wins over any embedded
// name field.
type RecipeBook struct {
	dir string

	mu      sync.RWMutex
	recipes map[string]*Recipe
}

// NewRecipeBook creates a recipe book rooted at dir.
func NewRecipeBook(dir string) *RecipeBook {
	return &RecipeBook{dir: dir, recipes: make(map[string]*Recipe)}
}

// Get returns a recipe by name, loading it from disk on first use.
func (b *RecipeBook) Get(name string) (*Recipe, error) {
	b.mu.RLock()
	if r, ok := b.recipes[name]; ok {
		b.mu.RUnlock()
		return r, nil
	}
	b.mu.RUnlock()

	path := filepath.Join(b.dir, name+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("recipe %q: %w", name, err)
	}

	var r Recipe
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("recipe %q: parse: %w", name, err)
	}
	r.Name = name

	b.mu.Lock()
	b.recipes[name] = &r
	b.mu.Unlock()
	return &r, nil
}

// Put registers an in-memory recipe, overriding any file. Used by tests
// and by callers that build prompts programmatically.
func (b *RecipeBook) Put(r *Recipe) {
	b.mu.Lock()
	b.recipes[r.Name] = r
	b.mu.Unlock()
}
