package core

import (
	"context"

	"github.com/digitalstage/routerdist/internal/domain"
)

// RouterStore is the durable collection of router descriptors.
// Implementations wrap driver failures with domain.ErrStoreUnavailable.
type RouterStore interface {
	// FindByURL returns domain.ErrRouterNotFound when no router has that url.
	FindByURL(ctx context.Context, url string) (domain.Router, error)
	// Insert assigns a fresh id. A second router with the same url fails with domain.ErrURLTaken.
	Insert(ctx context.Context, r domain.Router) (domain.Router, error)
	// UpdateByID applies the mutable fields of u and returns the full record.
	UpdateByID(ctx context.Context, id domain.RouterID, u domain.RouterUpdate) (domain.Router, error)
	DeleteByID(ctx context.Context, id domain.RouterID) error
	ListAll(ctx context.Context) ([]domain.Router, error)
	// Clear drops every record left over from a previous run.
	Clear(ctx context.Context) error
	Close()
}

// IdentityResolver turns a credential token into an identity.
// Any failure is reported as domain.ErrUnauthorized.
type IdentityResolver interface {
	Resolve(ctx context.Context, token string) (domain.Identity, error)
}
