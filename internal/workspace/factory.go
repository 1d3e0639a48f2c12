package workspace

import (
	dockerclient "github.com/docker/docker/client"

	"github.com/mux-run/mux/internal/common/logger"
	"github.com/mux-run/mux/internal/runtime"
	"github.com/mux-run/mux/internal/sshpool"
	v1 "github.com/mux-run/mux/pkg/api/v1"
)

// RuntimeFactory builds the polymorphic runtime.Runtime backend for a
// workspace's configured RuntimeKind. It holds the shared
// collaborators every variant may need: the SSH connection pool and
// prober, an optional managed-remote control-plane client, and an
// optional docker client.
type RuntimeFactory struct {
	sshPool           *sshpool.Pool
	prober            *sshpool.CommandProber
	managedController runtime.ManagedRemoteController
	dockerClient      *dockerclient.Client
	logger            *logger.Logger

	// worktreeBaseDir and repoCloneBaseDir are the process-level defaults
	// for cfg.SrcBaseDir when a workspace config leaves it unset: a
	// worktree-kind workspace falls back to worktreeBaseDir, every other
	// local-checkout kind falls back to repoCloneBaseDir.
	worktreeBaseDir  string
	repoCloneBaseDir string
}

// NewRuntimeFactory builds a RuntimeFactory. Any collaborator may be nil if
// the corresponding runtime kind is never used; Build returns a
// *v1.ConfigError if a config needs one that's missing.
func NewRuntimeFactory(pool *sshpool.Pool, prober *sshpool.CommandProber, managedController runtime.ManagedRemoteController, dockerClient *dockerclient.Client, log *logger.Logger) *RuntimeFactory {
	if log == nil {
		log = logger.Default()
	}
	return &RuntimeFactory{
		sshPool:           pool,
		prober:            prober,
		managedController: managedController,
		dockerClient:      dockerClient,
		logger:            log,
	}
}

// WithBaseDirs sets the fallback checkout directories a process-level
// config supplies (WorktreeConfig.BasePath, RepoCloneConfig.BasePath),
// used whenever a workspace config omits SrcBaseDir. Returns the factory
// for chaining at construction time.
func (f *RuntimeFactory) WithBaseDirs(worktreeBaseDir, repoCloneBaseDir string) *RuntimeFactory {
	f.worktreeBaseDir = worktreeBaseDir
	f.repoCloneBaseDir = repoCloneBaseDir
	return f
}

// Build constructs the runtime variant named by cfg.Kind. projectPath is
// the main repository checkout used by the local/worktree variants.
func (f *RuntimeFactory) Build(cfg v1.WorkspaceConfig, projectPath string) (runtime.Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Kind {
	case v1.RuntimeKindLocal, v1.RuntimeKindWorktree:
		srcBaseDir := cfg.SrcBaseDir
		if srcBaseDir == "" {
			if cfg.Kind == v1.RuntimeKindWorktree {
				srcBaseDir = f.worktreeBaseDir
			} else {
				srcBaseDir = f.repoCloneBaseDir
			}
		}
		return runtime.NewLocalRuntime(cfg.Kind, srcBaseDir, projectPath, f.logger), nil

	case v1.RuntimeKindSSH:
		if f.sshPool == nil || f.prober == nil {
			return nil, v1.NewConfigError(cfg.Kind, "ssh runtime requested but no connection pool is configured")
		}
		host := cfg.Host
		managed := cfg.ManagedRemote
		if managed != nil {
			coderName, err := v1.DeriveCoderName(managed.WorkspaceName)
			if err != nil {
				return nil, err
			}
			derived := *managed
			derived.WorkspaceName = coderName
			managed = &derived
			host = coderName + ".coder"
		}
		target := sshpool.Target{Host: host, Port: cfg.Port, IdentityFile: cfg.IdentityFile}
		return runtime.NewSSHRuntime(target, cfg.SrcBaseDir, managed, f.sshPool, f.prober, f.managedController, f.logger), nil

	case v1.RuntimeKindContainer:
		if f.dockerClient == nil {
			return nil, v1.NewConfigError(cfg.Kind, "container runtime requested but no docker client is configured")
		}
		return runtime.NewContainerRuntime(f.dockerClient, cfg.Image, cfg.ContainerName, f.logger), nil

	default:
		return nil, v1.NewConfigError(cfg.Kind, "unknown runtime kind; upgrade mux")
	}
}
