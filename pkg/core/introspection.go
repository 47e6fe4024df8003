package core

import (
	"fmt"

	"github.com/aretw0/introspection"
)

// ServiceState exposes internal state for observability.
type ServiceState struct {
	Model          string   `json:"model"`
	RepositoryType string   `json:"repository_type"`
	Transactional  bool     `json:"transactional"`
	DeleteGuard    bool     `json:"delete_guard"`
	RuleFields     []string `json:"rule_fields,omitempty"`
}

// State implements introspection.Introspectable.
func (s *Service) State() any {
	repoType := "unknown"
	if s.repo != nil {
		repoType = fmt.Sprintf("%T", s.repo)
		// Prefer the repository's own component type when it reports one.
		if comp, ok := s.repo.(introspection.Component); ok {
			repoType = comp.ComponentType()
		}
	}

	_, transactional := s.repo.(Transactional)
	state := ServiceState{
		Model:          s.model.Name(),
		RepositoryType: repoType,
		Transactional:  transactional,
		DeleteGuard:    s.guard != nil,
	}
	if s.repo != nil {
		state.RuleFields = s.repo.ValidationRules().Fields()
	}
	return state
}

// ComponentType implements introspection.Component.
func (s *Service) ComponentType() string {
	return "entity-service"
}

var _ introspection.Introspectable = (*Service)(nil)
var _ introspection.Component = (*Service)(nil)
