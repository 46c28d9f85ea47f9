package agent

import (
	"github.com/websmith/websmith/internal/prompt"
	"github.com/websmith/websmith/internal/tools"
)

// WriteRoots maps each role to its workspace write-root. The user agent
// has none: it delegates, it does not produce files.
var WriteRoots = map[string]string{
	prompt.RoleDesign:   "design",
	prompt.RoleDatabase: "app/database",
	prompt.RoleBackend:  "app/backend",
	prompt.RoleFrontend: "app/frontend",
	prompt.RoleTask:     "docker",
}

var roleCategories = map[string][]tools.Category{
	prompt.RoleUser: {
		tools.CategoryFilesystem,
		tools.CategoryCommunication,
		tools.CategoryControl,
		tools.CategoryAnalysis,
	},
	prompt.RoleDesign: {
		tools.CategoryFilesystem,
		tools.CategoryCommunication,
		tools.CategoryControl,
		tools.CategoryAnalysis,
	},
	prompt.RoleDatabase: {
		tools.CategoryFilesystem,
		tools.CategoryProcess,
		tools.CategoryCommunication,
		tools.CategoryControl,
		tools.CategoryAnalysis,
	},
	prompt.RoleBackend: {
		tools.CategoryFilesystem,
		tools.CategoryProcess,
		tools.CategoryCommunication,
		tools.CategoryControl,
		tools.CategoryAnalysis,
	},
	prompt.RoleFrontend: {
		tools.CategoryFilesystem,
		tools.CategoryProcess,
		tools.CategoryCommunication,
		tools.CategoryControl,
		tools.CategoryAnalysis,
	},
	prompt.RoleTask: {
		tools.CategoryFilesystem,
		tools.CategoryProcess,
		tools.CategoryCommunication,
		tools.CategoryControl,
		tools.CategoryAnalysis,
	},
}

var roleNames = map[string]string{
	prompt.RoleUser:     "Product Owner",
	prompt.RoleDesign:   "Product Designer",
	prompt.RoleDatabase: "Database Engineer",
	prompt.RoleBackend:  "Backend Engineer",
	prompt.RoleFrontend: "Frontend Engineer",
	prompt.RoleTask:     "Verification Engineer",
}

// RoleConfig builds the per-role agent configuration. Only the user agent
// may deliver the project.
func RoleConfig(role string, exec ExecutionConfig) Config {
	return Config{
		ID:         role,
		Name:       roleNames[role],
		Execution:  exec,
		Categories: roleCategories[role],
		CanDeliver: role == prompt.RoleUser,
	}
}
