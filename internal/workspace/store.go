package workspace

import (
	"context"
	"errors"

	v1 "github.com/mux-run/mux/pkg/api/v1"
)

// ErrNotFound is returned by Store.Get/GetByProjectAndName when no
// matching workspace exists.
var ErrNotFound = errors.New("workspace not found")

// Store is the narrow persistence interface Service depends on: a minimal
// per-package repository interface rather than a concrete database type.
// internal/db provides the SQL-backed implementation.
type Store interface {
	Create(ctx context.Context, meta v1.WorkspaceMetadata) error
	Get(ctx context.Context, id string) (v1.WorkspaceMetadata, error)
	GetByProjectAndName(ctx context.Context, projectPath, name string) (v1.WorkspaceMetadata, error)
	Update(ctx context.Context, meta v1.WorkspaceMetadata) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]v1.WorkspaceMetadata, error)
}
