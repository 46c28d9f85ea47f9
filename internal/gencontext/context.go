// Package gencontext holds the process-wide generation context shared
// read-only by every agent during a run.
package gencontext

import "time"

// ServicePorts holds the four TCP ports allocated for the generated
// application's services.
type ServicePorts struct {
	API             int `json:"api"`
	UI              int `json:"ui"`
	DB              int `json:"db"`
	BackendInternal int `json:"backend_internal"`
}

// TestCredentials holds optional credentials agents embed in seeded data and
// benchmark tasks.
type TestCredentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// PreflightResult records the host environment checks performed at boot.
// Missing runtimes and blocked ports are warnings, not fatal.
type PreflightResult struct {
	DockerAvailable bool      `json:"docker_available"`
	DockerVersion   string    `json:"docker_version,omitempty"`
	NodeAvailable   bool      `json:"node_available"`
	NodeVersion     string    `json:"node_version,omitempty"`
	BlockedPorts    []int     `json:"blocked_ports,omitempty"`
	CheckedAt       time.Time `json:"checked_at"`
}

// GenerationContext is initialized once per run by the orchestrator and is
// immutable afterwards, except for the preflight result which is recorded
// during boot before any agent starts.
type GenerationContext struct {
	RunID       string           `json:"run_id"`
	RunName     string           `json:"run_name"`
	Goal        string           `json:"goal"`
	Ports       ServicePorts     `json:"ports"`
	Credentials *TestCredentials `json:"credentials,omitempty"`
	Preflight   *PreflightResult `json:"preflight,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
}
