// Package prompt renders role system prompts from templates, injecting the
// run's goal, ports, and credentials.
package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"go.uber.org/zap"

	"github.com/websmith/websmith/internal/common/logger"
	"github.com/websmith/websmith/internal/gencontext"
)

// Data is the template payload for role prompts.
type Data struct {
	AgentID     string
	RunName     string
	Goal        string
	Requirement string
	Ports       gencontext.ServicePorts
	Credentials gencontext.TestCredentials
	Peers       []string
}

// Engine renders role prompts. Templates that fail to parse or execute
// degrade to a minimal inline prompt instead of failing the run.
type Engine struct {
	templates map[string]*template.Template
	logger    *logger.Logger
}

// NewEngine parses the built-in role templates plus any overrides. An
// override that fails to parse is logged and the built-in kept.
func NewEngine(log *logger.Logger, overrides map[string]string) *Engine {
	if log == nil {
		log = logger.Default()
	}
	e := &Engine{
		templates: make(map[string]*template.Template),
		logger:    log.WithFields(zap.String("component", "prompt")),
	}
	for role, text := range roleTemplates {
		if custom, ok := overrides[role]; ok {
			if tmpl, err := template.New(role).Parse(custom); err == nil {
				e.templates[role] = tmpl
				continue
			} else {
				e.logger.Warn("role template override failed to parse, keeping built-in",
					zap.String("role", role), zap.Error(err))
			}
		}
		tmpl, err := template.New(role).Parse(text)
		if err != nil {
			e.logger.Warn("role template failed to parse, using fallback",
				zap.String("role", role), zap.Error(err))
			continue
		}
		e.templates[role] = tmpl
	}
	return e
}

// LoadOverrides reads per-role template files named <role>.tmpl from dir.
// A missing directory or file means no override for that role; unreadable
// files are logged and skipped.
func LoadOverrides(dir string, log *logger.Logger) map[string]string {
	if dir == "" {
		return nil
	}
	if log == nil {
		log = logger.Default()
	}
	overrides := make(map[string]string)
	for _, role := range AllRoles {
		path := filepath.Join(dir, role+".tmpl")
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				log.Warn("role template file unreadable",
					zap.String("role", role), zap.String("path", path), zap.Error(err))
			}
			continue
		}
		overrides[role] = string(data)
	}
	return overrides
}

// Render produces the system prompt for a role. Unknown roles and
// execution failures yield the fallback prompt.
func (e *Engine) Render(role string, data Data) string {
	tmpl, ok := e.templates[role]
	if !ok {
		e.logger.Warn("no template for role, using fallback", zap.String("role", role))
		return fallback(role, data)
	}
	var buf strings.Builder
	if err := tmpl.Execute(&buf, data); err != nil {
		e.logger.Warn("role template execution failed, using fallback",
			zap.String("role", role), zap.Error(err))
		return fallback(role, data)
	}
	return buf.String()
}

func fallback(role string, data Data) string {
	return fmt.Sprintf(
		"You are the %s agent in a team building a web application.\nGoal: %s\nCollaborate with your peers via ask_agent and tell_agent, and call finish when your task is complete.",
		role, data.Goal)
}
