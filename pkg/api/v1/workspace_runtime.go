package v1

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// workspaceNamePattern is the identity invariant for WorkspaceMetadata.Name.
var workspaceNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,62}$`)

// ValidWorkspaceName reports whether name satisfies the workspace naming
// invariant.
func ValidWorkspaceName(name string) bool {
	return workspaceNamePattern.MatchString(name)
}

// coderNamePattern is the naming invariant Coder enforces on workspace
// names: alphanumeric runs joined by single hyphens, no leading/trailing
// or doubled hyphens.
var coderNamePattern = regexp.MustCompile(`^[a-zA-Z0-9]+(?:-[a-zA-Z0-9]+)*$`)

var runsOfHyphens = regexp.MustCompile(`-+`)

// DeriveCoderName maps an internal workspace name to the name a managed
// Coder remote will accept: underscores become hyphens, leading/trailing
// hyphens are trimmed, and runs of hyphens collapse to one. If the result
// still fails coderNamePattern, derivation fails outright rather than
// silently truncating to something Coder would reject.
func DeriveCoderName(name string) (string, error) {
	candidate := strings.ReplaceAll(name, "_", "-")
	candidate = runsOfHyphens.ReplaceAllString(candidate, "-")
	candidate = strings.Trim(candidate, "-")

	if !coderNamePattern.MatchString(candidate) {
		return "", NewConfigError(RuntimeKindSSH, fmt.Sprintf("workspace name %q cannot be converted to a valid Coder name", name))
	}
	return candidate, nil
}

// RuntimeKind discriminates the WorkspaceConfig variants.
type RuntimeKind string

const (
	RuntimeKindLocal     RuntimeKind = "local"
	RuntimeKindWorktree  RuntimeKind = "worktree"
	RuntimeKindSSH       RuntimeKind = "ssh"
	RuntimeKindContainer RuntimeKind = "container"
)

// ManagedRemoteConfig describes a managed-remote sub-config nested inside an
// SSH WorkspaceConfig. It lets the SSH runtime delegate workspace
// provisioning to an external control service (e.g. Coder) instead of
// assuming the remote host's filesystem already has the project checked out.
type ManagedRemoteConfig struct {
	WorkspaceName     string `json:"workspaceName"`
	Template          string `json:"template,omitempty"`
	Preset            string `json:"preset,omitempty"`
	ExistingWorkspace bool   `json:"existingWorkspace"`
}

// WorkspaceConfig is the discriminated union describing how a workspace's
// files and execution are backed. Exactly one of the runtime-specific
// field groups is populated, matching RuntimeKind.
type WorkspaceConfig struct {
	Kind RuntimeKind `json:"kind"`

	// Local / Worktree
	SrcBaseDir string `json:"srcBaseDir,omitempty"`

	// SSH
	Host          string               `json:"host,omitempty"`
	IdentityFile  string               `json:"identityFile,omitempty"`
	Port          int                  `json:"port,omitempty"`
	ManagedRemote *ManagedRemoteConfig `json:"coder,omitempty"`

	// Container
	Image         string `json:"image,omitempty"`
	ContainerName string `json:"containerName,omitempty"`
}

// Validate performs structural validation of the discriminated config,
// independent of filesystem or network reachability.
func (c WorkspaceConfig) Validate() error {
	switch c.Kind {
	case RuntimeKindLocal, RuntimeKindWorktree:
		if c.SrcBaseDir == "" {
			return NewConfigError(c.Kind, "srcBaseDir is required")
		}
	case RuntimeKindSSH:
		if c.Host == "" && c.ManagedRemote == nil {
			return NewConfigError(c.Kind, "host is required")
		}
		if c.ManagedRemote != nil && c.ManagedRemote.WorkspaceName == "" {
			return NewConfigError(c.Kind, "coder.workspaceName is required")
		}
		if c.SrcBaseDir == "" {
			return NewConfigError(c.Kind, "srcBaseDir is required")
		}
	case RuntimeKindContainer:
		if c.Image == "" {
			return NewConfigError(c.Kind, "image is required")
		}
	default:
		return NewConfigError(c.Kind, "unknown runtime kind; upgrade mux")
	}
	return nil
}

// ConfigError reports a structurally invalid WorkspaceConfig.
type ConfigError struct {
	Kind    RuntimeKind
	Message string
}

func NewConfigError(kind RuntimeKind, msg string) *ConfigError {
	return &ConfigError{Kind: kind, Message: msg}
}

func (e *ConfigError) Error() string {
	return "workspace config (" + string(e.Kind) + "): " + e.Message
}

// AISettings carries provider/model selection for a workspace's agent
// session. The AI provider SDK itself is an external collaborator; this
// struct only records what the session needs to pick and label a stream.
type AISettings struct {
	Model       string `json:"model,omitempty"`
	ToolPolicy  string `json:"toolPolicy,omitempty"`
	Provider    string `json:"provider,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// WorkspaceMetadata is the persisted record for a workspace.
type WorkspaceMetadata struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	ProjectName   string           `json:"projectName"`
	ProjectPath   string           `json:"projectPath"`
	RuntimeConfig WorkspaceConfig  `json:"runtimeConfig"`
	AISettings    *AISettings      `json:"aiSettings,omitempty"`
	TrunkBranch   string           `json:"trunkBranch,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

// IsInPlace reports whether this is the in-place sentinel: ProjectPath
// equals Name (no separate workspace directory was carved out).
func (m WorkspaceMetadata) IsInPlace() bool {
	return m.ProjectPath == m.Name
}
