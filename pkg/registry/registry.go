// Package registry holds the closed sets the engine dispatches on at run
// time: workflow templates, named validation rules and stage-action
// factories. All three are populated at process start; nothing is resolved
// by reflection.
package registry

import (
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/testflowhq/testflow/pkg/models"
	"github.com/testflowhq/testflow/pkg/protocol"
)

type Registry struct {
	logger          *slog.Logger
	validate        *validator.Validate
	templates       map[string]*models.WorkflowTemplate
	rules           map[string]protocol.ValidationRule
	actionFactories map[string]protocol.ActionFactory
}

func NewRegistry(logger *slog.Logger) *Registry {
	r := &Registry{
		logger:          logger.With("module", "registry"),
		validate:        validator.New(),
		templates:       make(map[string]*models.WorkflowTemplate),
		rules:           make(map[string]protocol.ValidationRule),
		actionFactories: make(map[string]protocol.ActionFactory),
	}

	registerBuiltinRules(r)

	return r
}

// RegisterTemplate validates and stores a template. A template referencing
// an unregistered validation rule is rejected here rather than failing at
// transition time.
func (r *Registry) RegisterTemplate(template *models.WorkflowTemplate) error {
	if err := r.validate.Struct(template); err != nil {
		return fmt.Errorf("template '%s' is invalid: %w", template.Name, err)
	}

	for _, stage := range template.Stages {
		if stage.ValidationRule == "" {
			continue
		}

		if _, ok := r.rules[stage.ValidationRule]; !ok {
			return fmt.Errorf("template '%s' stage '%s' references unregistered validation rule '%s'",
				template.Name, stage.Stage, stage.ValidationRule)
		}
	}

	if len(template.Stages) < 2 {
		return fmt.Errorf("template '%s' needs at least one working stage plus the terminal stage", template.Name)
	}

	for i, stage := range template.Stages {
		if stage.Action == "" && i != len(template.Stages)-1 {
			return fmt.Errorf("template '%s' stage '%s' declares no action but is not the terminal stage",
				template.Name, stage.Stage)
		}
	}

	for _, stage := range template.Stages {
		for _, prereq := range stage.Prerequisites {
			if template.StageIndex(prereq) == -1 {
				return fmt.Errorf("template '%s' stage '%s' requires unknown stage '%s'",
					template.Name, stage.Stage, prereq)
			}
		}
	}

	r.templates[template.Name] = template

	return nil
}

// Template resolves a template by name.
func (r *Registry) Template(name string) (*models.WorkflowTemplate, bool) {
	t, ok := r.templates[name]

	return t, ok
}

// TemplateNames lists the registered templates.
func (r *Registry) TemplateNames() []string {
	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}

	return names
}

// RegisterRule stores a named validation rule.
func (r *Registry) RegisterRule(name string, rule protocol.ValidationRule) {
	r.rules[name] = rule
}

// Rule resolves a validation rule by name.
func (r *Registry) Rule(name string) (protocol.ValidationRule, bool) {
	rule, ok := r.rules[name]

	return rule, ok
}

// RegisterAction stores a stage-action factory keyed by its id.
func (r *Registry) RegisterAction(factory protocol.ActionFactory) {
	r.actionFactories[factory.ID()] = factory
}

// CreateAction builds the stage action for an action id.
func (r *Registry) CreateAction(actionID string, config map[string]any) (protocol.StageAction, error) {
	factory, ok := r.actionFactories[actionID]
	if !ok {
		return nil, fmt.Errorf("action '%s' not registered", actionID)
	}

	return factory.Create(config)
}
