// Package platform defines the interfaces to the collaborators that live
// outside the provisioning core: the challenge metadata store, the user
// directory, session authentication, and engine-host dispatch.
package platform

import (
	"context"
	"errors"
	"net/http"

	"github.com/dojoworks/workspaced/pkg/engine"
	"github.com/dojoworks/workspaced/pkg/types"
)

var (
	// ErrTokenInvalid is returned for an unknown workspace token.
	ErrTokenInvalid = errors.New("invalid workspace token")

	// ErrTokenExpired is returned for a workspace token past its expiry.
	ErrTokenExpired = errors.New("workspace token expired")
)

// UserDirectory resolves platform accounts.
type UserDirectory interface {
	// GetUser returns the user with the given id, or nil if unknown.
	GetUser(ctx context.Context, id int64) (*types.User, error)

	// LookupWorkspaceToken resolves the user a workspace token designates.
	// Returns ErrTokenInvalid or ErrTokenExpired on bad credentials.
	LookupWorkspaceToken(ctx context.Context, token string) (*types.User, error)
}

// ChallengeDirectory resolves dojo, module, and challenge metadata along
// with the access-control facts the job API consults.
type ChallengeDirectory interface {
	// DojoAccessible returns the dojo if the user may access it, else nil.
	DojoAccessible(ctx context.Context, user *types.User, reference string) (*types.Dojo, error)

	// ResolveChallenge returns the challenge under dojo/module, or nil.
	ResolveChallenge(ctx context.Context, dojo *types.Dojo, moduleID, challengeID string) (*types.Challenge, error)

	// GetChallenge returns the challenge by dojo-scoped id, or nil.
	GetChallenge(ctx context.Context, id string) (*types.Challenge, error)

	// IsChallengeLocked reports whether the challenge is locked for user.
	IsChallengeLocked(ctx context.Context, challenge *types.Challenge, user *types.User) (bool, error)

	// ModuleChallenges lists the challenges of a module in order.
	ModuleChallenges(ctx context.Context, dojoID int64, moduleIndex int) ([]*types.Challenge, error)

	// NextModule returns the module following moduleIndex, or nil.
	NextModule(ctx context.Context, dojoID int64, moduleIndex int) (*types.Module, error)

	// DojoStudents lists enrollments, used to scope impersonation.
	DojoStudents(ctx context.Context, dojo *types.Dojo) ([]*types.Student, error)
}

// EngineResolver dispatches users to container engine hosts. Different
// users may map to different physical engines; the imageHint lets teardown
// reach the engine a previous epoch's container was started on.
type EngineResolver interface {
	ClientForUser(user *types.User, imageHint string) (*engine.Client, error)

	// UserNode returns the engine node index for the user, or nil when the
	// user is on the default node.
	UserNode(user *types.User) *int
}

// Authenticator resolves the session user on API requests. Session
// handling itself is outside this subsystem.
type Authenticator interface {
	// Authenticate returns the requesting user, or nil if unauthenticated.
	Authenticate(r *http.Request) (*types.User, error)
}
