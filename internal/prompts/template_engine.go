package prompts

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Placeholder is rendered for any variable that is missing or blank.
const Placeholder = "（未设定）"

var varRegex = regexp.MustCompile(`\{\{(\w+)\}\}`)

// Vars holds template variables by name.
type Vars map[string]string

// TemplateEngine manages prompt templates.
type TemplateEngine struct {
	templates map[string]*Template
	mu        sync.RWMutex
}

// Template represents a prompt template with {{variable}} placeholders.
type Template struct {
	Name        string   `json:"name"`
	Content     string   `json:"content"`
	Variables   []string `json:"variables"`
	Description string   `json:"description"`
}

// NewTemplateEngine creates an engine preloaded with the default templates.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]*Template)}
	for _, tmpl := range defaultTemplates() {
		e.RegisterTemplate(tmpl)
	}
	return e
}

// RegisterTemplate adds or replaces a template. Variables are derived from
// the content when not given.
func (e *TemplateEngine) RegisterTemplate(tmpl *Template) {
	if len(tmpl.Variables) == 0 {
		tmpl.Variables = ParseTemplateVariables(tmpl.Content)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[tmpl.Name] = tmpl
}

// GetTemplate retrieves a template by name.
func (e *TemplateEngine) GetTemplate(name string) (*Template, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	tmpl, ok := e.templates[name]
	if !ok {
		return nil, fmt.Errorf("template not found: %s", name)
	}
	return tmpl, nil
}

// Render fills a template. Missing or blank variables become Placeholder,
// so rendering only fails for an unknown template name.
func (e *TemplateEngine) Render(name string, vars Vars) (string, error) {
	tmpl, err := e.GetTemplate(name)
	if err != nil {
		return "", err
	}
	return renderContent(tmpl.Content, vars), nil
}

// MustRender is Render for the built-in templates.
func (e *TemplateEngine) MustRender(name string, vars Vars) string {
	out, err := e.Render(name, vars)
	if err != nil {
		panic(err)
	}
	return out
}

func renderContent(content string, vars Vars) string {
	return varRegex.ReplaceAllStringFunc(content, func(match string) string {
		name := varRegex.FindStringSubmatch(match)[1]
		if v, ok := vars[name]; ok && strings.TrimSpace(v) != "" {
			return v
		}
		return Placeholder
	})
}

// ParseTemplateVariables extracts the sorted unique variable names of a
// template.
func ParseTemplateVariables(content string) []string {
	matches := varRegex.FindAllStringSubmatch(content, -1)

	unique := make(map[string]bool)
	for _, match := range matches {
		unique[match[1]] = true
	}

	vars := make([]string, 0, len(unique))
	for v := range unique {
		vars = append(vars, v)
	}
	sort.Strings(vars)
	return vars
}
