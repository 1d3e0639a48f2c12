// Package workspace ties the runtime, agent session, SSH pool, and
// federation layers together into the single coordinator an RPC handler
// calls: Service.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mux-run/mux/internal/common/constants"
	"github.com/mux-run/mux/internal/common/logger"
	"github.com/mux-run/mux/internal/muxerr"
	"github.com/mux-run/mux/internal/runtime"
	"github.com/mux-run/mux/internal/session"
	v1 "github.com/mux-run/mux/pkg/api/v1"
)

// AIServiceFactory builds the per-workspace AIService collaborator a
// session streams through. Kept as an injected factory (rather than a
// concrete provider client) so Service stays decoupled from any one AI
// SDK.
type AIServiceFactory func(meta v1.WorkspaceMetadata) session.AIService

// Config wires a Service's dependencies.
type Config struct {
	Store           Store
	RuntimeFactory  *RuntimeFactory
	AIServiceFactory AIServiceFactory
	InitManager     session.InitStateManager
	PlanReader      session.PlanReader
	DiffProvider    session.DiffProvider

	// DefaultTrunkBranch backs CreateWorkspaceRequest.TrunkBranch when a
	// caller leaves it empty (WorktreeConfig.DefaultBranch at the process
	// level).
	DefaultTrunkBranch string

	// HistoryDir is the base directory under which each workspace's
	// history.ndjson is stored, at <HistoryDir>/<workspaceId>/history.ndjson.
	HistoryDir string

	Logger *logger.Logger
	StopCh <-chan struct{}
}

// CreateWorkspaceRequest is the input to Service.CreateWorkspace.
type CreateWorkspaceRequest struct {
	Name          string
	ProjectName   string
	ProjectPath   string
	RuntimeConfig v1.WorkspaceConfig
	TrunkBranch   string
	AISettings    *v1.AISettings
	Force         bool
}

// ForkWorkspaceRequest is the input to Service.ForkWorkspace.
type ForkWorkspaceRequest struct {
	NewName     string
	TrunkBranch string
}

// Service is the top-level coordinator: it owns workspace metadata
// persistence, lazily builds and caches each workspace's runtime and
// agent session, and exposes the operations an RPC router calls.
type Service struct {
	cfg Config

	mu      sync.Mutex
	entries map[string]*entry
}

// NewService builds a Service. Store and RuntimeFactory are required. A nil
// PlanReader/DiffProvider defaults to reading PLAN.md and running `git diff`
// directly against the workspace's own runtime.
func NewService(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = logger.Default()
	}
	s := &Service{
		cfg:     cfg,
		entries: make(map[string]*entry),
	}
	if s.cfg.PlanReader == nil {
		s.cfg.PlanReader = runtimePlanReader{svc: s}
	}
	if s.cfg.DiffProvider == nil {
		s.cfg.DiffProvider = runtimeDiffProvider{svc: s}
	}
	return s
}

func (s *Service) entryFor(id string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		e = &entry{}
		s.entries[id] = e
	}
	return e
}

func (s *Service) forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
}

// Get returns a workspace's persisted metadata.
func (s *Service) Get(ctx context.Context, id string) (v1.WorkspaceMetadata, error) {
	meta, err := s.cfg.Store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return v1.WorkspaceMetadata{}, muxerr.Wrap(muxerr.KindWorkspaceNotFound, fmt.Sprintf("workspace %q not found", id), err)
		}
		return v1.WorkspaceMetadata{}, err
	}
	return meta, nil
}

// List returns every persisted workspace's metadata.
func (s *Service) List(ctx context.Context) ([]v1.WorkspaceMetadata, error) {
	return s.cfg.Store.List(ctx)
}

// CreateWorkspace provisions a new workspace's runtime-level presence and
// persists its metadata. Enforces two identity invariants before any
// runtime work starts: name must match the workspace name pattern, and
// (projectPath, name) must be unique.
func (s *Service) CreateWorkspace(ctx context.Context, req CreateWorkspaceRequest) (v1.WorkspaceMetadata, error) {
	if !v1.ValidWorkspaceName(req.Name) {
		return v1.WorkspaceMetadata{}, v1.NewConfigError(req.RuntimeConfig.Kind, "workspace name does not match the required pattern")
	}
	if _, err := s.cfg.Store.GetByProjectAndName(ctx, req.ProjectPath, req.Name); err == nil {
		return v1.WorkspaceMetadata{}, muxerr.New(muxerr.KindUnknown, fmt.Sprintf("workspace %q already exists under %q", req.Name, req.ProjectPath))
	} else if !errors.Is(err, ErrNotFound) {
		return v1.WorkspaceMetadata{}, err
	}

	if req.TrunkBranch == "" {
		req.TrunkBranch = s.cfg.DefaultTrunkBranch
	}

	rt, err := s.cfg.RuntimeFactory.Build(req.RuntimeConfig, req.ProjectPath)
	if err != nil {
		return v1.WorkspaceMetadata{}, err
	}

	if err := rt.CreateWorkspace(ctx, runtime.CreateWorkspaceRequest{
		ProjectPath:   req.ProjectPath,
		WorkspaceName: req.Name,
		TrunkBranch:   req.TrunkBranch,
		Force:         req.Force,
	}); err != nil {
		return v1.WorkspaceMetadata{}, muxerr.Wrap(muxerr.KindRuntimeStartFailed, "failed to create workspace", err)
	}

	now := time.Now().UTC()
	meta := v1.WorkspaceMetadata{
		ID:            uuid.NewString(),
		Name:          req.Name,
		ProjectName:   req.ProjectName,
		ProjectPath:   req.ProjectPath,
		RuntimeConfig: req.RuntimeConfig,
		AISettings:    req.AISettings,
		TrunkBranch:   req.TrunkBranch,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.cfg.Store.Create(ctx, meta); err != nil {
		// The runtime-level workspace now exists with nothing tracking it;
		// best-effort roll it back rather than leak it.
		_ = rt.DeleteWorkspace(ctx, req.Name, true)
		return v1.WorkspaceMetadata{}, err
	}

	e := s.entryFor(meta.ID)
	e.mu.Lock()
	e.runtime = rt
	e.mu.Unlock()

	return meta, nil
}

// InitWorkspace runs the (possibly slow) project sync for a workspace
// already created by CreateWorkspace. On failure it cleans up the partial
// workspace rather than leaving it half-initialized.
func (s *Service) InitWorkspace(ctx context.Context, id string, initLog runtime.InitLogger) error {
	ctx, cancel := context.WithTimeout(ctx, constants.WorkspaceInitTimeout)
	defer cancel()

	meta, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	rt, err := s.runtimeFor(ctx, meta)
	if err != nil {
		return err
	}

	if initLog == nil {
		initLog = runtime.NoopInitLogger{}
	}

	err = rt.InitWorkspace(ctx, runtime.CreateWorkspaceRequest{
		ProjectPath:   meta.ProjectPath,
		WorkspaceName: meta.Name,
		TrunkBranch:   meta.TrunkBranch,
	}, initLog)
	if err != nil {
		if delErr := rt.DeleteWorkspace(ctx, meta.Name, true); delErr != nil {
			s.cfg.Logger.WithWorkspaceID(id).WithError(delErr).Error("failed to clean up partially initialized workspace")
		}
		return muxerr.Wrap(muxerr.KindRuntimeStartFailed, "failed to init workspace", err)
	}
	return nil
}

// RenameWorkspace renames a workspace at the runtime level and persists
// the new name. Container-variant runtimes refuse with a
// *runtime.UnsupportedError.
func (s *Service) RenameWorkspace(ctx context.Context, id, newName string) error {
	if !v1.ValidWorkspaceName(newName) {
		return v1.NewConfigError("", "new workspace name does not match the required pattern")
	}
	meta, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	rt, err := s.runtimeFor(ctx, meta)
	if err != nil {
		return err
	}
	if err := rt.RenameWorkspace(ctx, meta.Name, newName); err != nil {
		return err
	}
	meta.Name = newName
	meta.UpdatedAt = time.Now().UTC()
	return s.cfg.Store.Update(ctx, meta)
}

// DeleteWorkspace removes a workspace's runtime-level presence and its
// metadata. It respects ctx cancellation before starting work.
func (s *Service) DeleteWorkspace(ctx context.Context, id string, force bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, constants.WorkspaceDeleteTimeout)
	defer cancel()

	meta, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	rt, err := s.runtimeFor(ctx, meta)
	if err != nil {
		return err
	}
	if err := rt.DeleteWorkspace(ctx, meta.Name, force); err != nil {
		return err
	}
	if err := s.cfg.Store.Delete(ctx, id); err != nil {
		return err
	}
	s.forget(id)
	return nil
}

// ForkWorkspace clones an existing workspace's runtime-level state into a
// new workspace and persists its metadata, sharing the source's runtime
// config shape.
func (s *Service) ForkWorkspace(ctx context.Context, id string, req ForkWorkspaceRequest) (v1.WorkspaceMetadata, error) {
	if !v1.ValidWorkspaceName(req.NewName) {
		return v1.WorkspaceMetadata{}, v1.NewConfigError("", "new workspace name does not match the required pattern")
	}
	source, err := s.Get(ctx, id)
	if err != nil {
		return v1.WorkspaceMetadata{}, err
	}
	rt, err := s.runtimeFor(ctx, source)
	if err != nil {
		return v1.WorkspaceMetadata{}, err
	}

	trunk := req.TrunkBranch
	if trunk == "" {
		trunk = source.TrunkBranch
	}
	if err := rt.ForkWorkspace(ctx, runtime.ForkWorkspaceRequest{
		SourceWorkspaceName: source.Name,
		NewWorkspaceName:    req.NewName,
		TrunkBranch:         trunk,
	}); err != nil {
		return v1.WorkspaceMetadata{}, muxerr.Wrap(muxerr.KindRuntimeStartFailed, "failed to fork workspace", err)
	}

	now := time.Now().UTC()
	forked := v1.WorkspaceMetadata{
		ID:            uuid.NewString(),
		Name:          req.NewName,
		ProjectName:   source.ProjectName,
		ProjectPath:   source.ProjectPath,
		RuntimeConfig: source.RuntimeConfig,
		AISettings:    source.AISettings,
		TrunkBranch:   trunk,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.cfg.Store.Create(ctx, forked); err != nil {
		_ = rt.DeleteWorkspace(ctx, req.NewName, true)
		return v1.WorkspaceMetadata{}, err
	}
	return forked, nil
}

// EnsureReady blocks until a workspace's runtime is reachable and usable,
// or timeout elapses. A zero timeout uses constants.RuntimeEnsureReadyTimeout.
func (s *Service) EnsureReady(ctx context.Context, id string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = constants.RuntimeEnsureReadyTimeout
	}
	meta, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	rt, err := s.runtimeFor(ctx, meta)
	if err != nil {
		return err
	}
	return rt.EnsureReady(ctx, timeout)
}

// runtimeFor returns the cached runtime for a workspace, building it from
// persisted metadata on first use.
func (s *Service) runtimeFor(ctx context.Context, meta v1.WorkspaceMetadata) (runtime.Runtime, error) {
	e := s.entryFor(meta.ID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runtime != nil {
		return e.runtime, nil
	}
	rt, err := s.cfg.RuntimeFactory.Build(meta.RuntimeConfig, meta.ProjectPath)
	if err != nil {
		return nil, err
	}
	e.runtime = rt
	return rt, nil
}

// SessionFor returns the cached agent session for a workspace, lazily
// constructing it (and its on-disk history log) on first use.
func (s *Service) SessionFor(ctx context.Context, id string) (*session.AgentSession, error) {
	meta, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	e := s.entryFor(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != nil {
		return e.session, nil
	}

	if s.cfg.AIServiceFactory == nil {
		return nil, muxerr.New(muxerr.KindUnknown, "no AIServiceFactory configured")
	}

	model, toolPolicy := "", ""
	if meta.AISettings != nil {
		model = meta.AISettings.Model
		toolPolicy = meta.AISettings.ToolPolicy
	}

	sess, err := session.New(session.Config{
		WorkspaceID:       id,
		Logger:            s.cfg.Logger,
		AIService:         s.cfg.AIServiceFactory(meta),
		InitManager:       s.cfg.InitManager,
		HistoryPath:       filepath.Join(s.cfg.HistoryDir, id, "history.ndjson"),
		DefaultModel:      model,
		DefaultToolPolicy: toolPolicy,
		PlanReader:        s.cfg.PlanReader,
		DiffProvider:      s.cfg.DiffProvider,
		StopCh:            s.cfg.StopCh,
	})
	if err != nil {
		return nil, err
	}
	e.session = sess
	return sess, nil
}

// SendMessage delegates to the workspace's agent session.
func (s *Service) SendMessage(ctx context.Context, id string, req session.SendRequest) error {
	sess, err := s.SessionFor(ctx, id)
	if err != nil {
		return err
	}
	return sess.SendMessage(ctx, req)
}

// ResumeStream delegates to the workspace's agent session.
func (s *Service) ResumeStream(ctx context.Context, id string, options *v1.AISettings) error {
	sess, err := s.SessionFor(ctx, id)
	if err != nil {
		return err
	}
	return sess.ResumeStream(ctx, options)
}

// InterruptStream delegates to the workspace's agent session.
func (s *Service) InterruptStream(ctx context.Context, id string, abandonPartial bool) error {
	sess, err := s.SessionFor(ctx, id)
	if err != nil {
		return err
	}
	return sess.InterruptStream(abandonPartial)
}

// SubscribeChat delegates to the workspace's agent session.
func (s *Service) SubscribeChat(ctx context.Context, id string, listener func(v1.ChatEvent)) (unsubscribe func(), err error) {
	sess, err := s.SessionFor(ctx, id)
	if err != nil {
		return nil, err
	}
	return sess.SubscribeChat(listener), nil
}

// QueueMessage delegates to the workspace's agent session.
func (s *Service) QueueMessage(ctx context.Context, id, text string, images []v1.MessageAttachment, metadata *v1.MuxMetadata, options *v1.AISettings) error {
	sess, err := s.SessionFor(ctx, id)
	if err != nil {
		return err
	}
	return sess.QueueMessage(text, images, metadata, options)
}

// GetPlanContent returns the workspace's plan file content, if the Service
// was configured with a PlanReader.
func (s *Service) GetPlanContent(ctx context.Context, id string) (content string, ok bool, err error) {
	if s.cfg.PlanReader == nil {
		return "", false, nil
	}
	return s.cfg.PlanReader.ReadPlan(ctx, id)
}
