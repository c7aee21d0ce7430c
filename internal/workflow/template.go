package workflow

import (
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/jlneal/choragen/internal/types"
)

//go:embed templates/*.yaml
var builtinTemplates embed.FS

// Template defines a workflow's stage sequence. Built-in templates ship
// embedded; user-defined ones load from a templates directory.
type Template struct {
	Name        string          `yaml:"name"`
	Description string          `yaml:"description,omitempty"`
	Stages      []StageTemplate `yaml:"stages"`
}

// StageTemplate defines one stage in a template.
type StageTemplate struct {
	Name        string       `yaml:"name"`
	Type        StageType    `yaml:"type"`
	Role        string       `yaml:"role,omitempty"`
	InitPrompt  string       `yaml:"init_prompt,omitempty"`
	Gate        GateType     `yaml:"gate"`
	GateOptions []string     `yaml:"gate_options,omitempty"`
	OnEnter     []HookAction `yaml:"on_enter,omitempty"`
	OnExit      []HookAction `yaml:"on_exit,omitempty"`
}

// Validate checks template structure.
func (t *Template) Validate() error {
	if t.Name == "" {
		return types.NewError(ErrTemplateInvalid, "template has no name")
	}
	if len(t.Stages) == 0 {
		return types.NewError(ErrTemplateInvalid,
			fmt.Sprintf("template %q has no stages", t.Name))
	}
	for i, stage := range t.Stages {
		if stage.Name == "" {
			return types.NewError(ErrTemplateInvalid,
				fmt.Sprintf("template %q: stage %d has no name", t.Name, i))
		}
		if !stage.Gate.IsValid() {
			return types.NewError(ErrTemplateInvalid,
				fmt.Sprintf("template %q: stage %q has invalid gate type %q", t.Name, stage.Name, stage.Gate))
		}
		if stage.Type == StageTypeAgent && stage.Role == "" {
			return types.NewError(ErrTemplateInvalid,
				fmt.Sprintf("template %q: agent stage %q has no role", t.Name, stage.Name))
		}
	}
	return nil
}

// TemplateStore holds loaded templates, built-in and user-defined.
type TemplateStore struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateStore creates a store preloaded with the built-in
// templates (standard, hotfix, ideation, documentation, audit).
func NewTemplateStore() (*TemplateStore, error) {
	s := &TemplateStore{templates: make(map[string]*Template)}

	entries, err := builtinTemplates.ReadDir("templates")
	if err != nil {
		return nil, types.WrapError(ErrTemplateInvalid, "failed to read built-in templates", err)
	}
	for _, entry := range entries {
		data, err := builtinTemplates.ReadFile("templates/" + entry.Name())
		if err != nil {
			return nil, types.WrapError(ErrTemplateInvalid,
				fmt.Sprintf("failed to read built-in template %s", entry.Name()), err)
		}
		if err := s.addYAML(data, entry.Name()); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// LoadDir loads user-defined templates from a directory, overriding
// built-ins with the same name.
func (s *TemplateStore) LoadDir(dir string) error {
	matches, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return types.WrapError(ErrTemplateInvalid, "failed to scan template directory", err)
	}
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return types.WrapError(ErrTemplateInvalid,
				fmt.Sprintf("failed to read template %s", path), err)
		}
		if err := s.addYAML(data, path); err != nil {
			return err
		}
	}
	return nil
}

func (s *TemplateStore) addYAML(data []byte, source string) error {
	var tpl Template
	if err := yaml.Unmarshal(data, &tpl); err != nil {
		return types.WrapError(ErrTemplateInvalid,
			fmt.Sprintf("failed to parse template %s", source), err)
	}
	if err := tpl.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[tpl.Name] = &tpl
	return nil
}

// Get returns the named template.
func (s *TemplateStore) Get(name string) (*Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tpl, ok := s.templates[name]
	if !ok {
		return nil, types.NewError(ErrTemplateNotFound,
			fmt.Sprintf("template %q not found", name))
	}
	return tpl, nil
}

// Names returns all loaded template names, sorted.
func (s *TemplateStore) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.templates))
	for name := range s.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)

// Interpolate substitutes {{variable}} placeholders from the given
// variable map. Unknown placeholders are left literal and logged, never
// silently dropped, so configuration errors stay visible.
func Interpolate(text string, vars map[string]string, logger *slog.Logger) string {
	if !strings.Contains(text, "{{") {
		return text
	}
	return placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		if value, ok := vars[name]; ok {
			return value
		}
		if logger != nil {
			logger.Warn("unknown template placeholder left literal", "placeholder", name)
		}
		return match
	})
}
