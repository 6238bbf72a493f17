package platform

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"sync"

	"github.com/dojoworks/workspaced/pkg/engine"
	"github.com/dojoworks/workspaced/pkg/types"
)

// MemoryDirectory is an in-memory UserDirectory and ChallengeDirectory
// used by tests and single-node development setups.
type MemoryDirectory struct {
	mu sync.RWMutex

	Users      map[int64]*types.User
	Tokens     map[string]int64 // workspace token -> user id
	Expired    map[string]bool  // tokens past expiry
	Dojos      map[string]*types.Dojo
	Access     map[string][]int64 // dojo reference -> allowed user ids (nil = everyone)
	Challenges []*types.Challenge
	Modules    map[int64][]*types.Module // dojo id -> modules in order
	Students   map[int64][]*types.Student
	Locked     map[string][]int64 // challenge id -> users it is locked for
}

// NewMemoryDirectory creates an empty in-memory directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		Users:    make(map[int64]*types.User),
		Tokens:   make(map[string]int64),
		Expired:  make(map[string]bool),
		Dojos:    make(map[string]*types.Dojo),
		Access:   make(map[string][]int64),
		Modules:  make(map[int64][]*types.Module),
		Students: make(map[int64][]*types.Student),
		Locked:   make(map[string][]int64),
	}
}

func (d *MemoryDirectory) GetUser(_ context.Context, id int64) (*types.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.Users[id], nil
}

func (d *MemoryDirectory) LookupWorkspaceToken(_ context.Context, token string) (*types.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.Expired[token] {
		return nil, ErrTokenExpired
	}
	id, ok := d.Tokens[token]
	if !ok {
		return nil, ErrTokenInvalid
	}
	return d.Users[id], nil
}

func (d *MemoryDirectory) DojoAccessible(_ context.Context, user *types.User, reference string) (*types.Dojo, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	dojo, ok := d.Dojos[reference]
	if !ok {
		return nil, nil
	}
	allowed, restricted := d.Access[reference]
	if !restricted || allowed == nil {
		return dojo, nil
	}
	for _, id := range allowed {
		if user != nil && id == user.ID {
			return dojo, nil
		}
	}
	return nil, nil
}

func (d *MemoryDirectory) ResolveChallenge(_ context.Context, dojo *types.Dojo, moduleID, challengeID string) (*types.Challenge, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, ch := range d.Challenges {
		if ch.Dojo != nil && ch.Dojo.ID == dojo.ID &&
			ch.Module != nil && ch.Module.ID == moduleID && ch.ID == challengeID {
			return ch, nil
		}
	}
	return nil, nil
}

func (d *MemoryDirectory) GetChallenge(_ context.Context, id string) (*types.Challenge, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, ch := range d.Challenges {
		if ch.ID == id {
			return ch, nil
		}
	}
	return nil, nil
}

func (d *MemoryDirectory) IsChallengeLocked(_ context.Context, challenge *types.Challenge, user *types.User) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, id := range d.Locked[challenge.ID] {
		if user != nil && id == user.ID {
			return true, nil
		}
	}
	return false, nil
}

func (d *MemoryDirectory) ModuleChallenges(_ context.Context, dojoID int64, moduleIndex int) ([]*types.Challenge, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []*types.Challenge
	for _, ch := range d.Challenges {
		if ch.Dojo != nil && ch.Dojo.ID == dojoID && ch.Module != nil && ch.Module.Index == moduleIndex {
			out = append(out, ch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (d *MemoryDirectory) NextModule(_ context.Context, dojoID int64, moduleIndex int) (*types.Module, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, m := range d.Modules[dojoID] {
		if m.Index == moduleIndex+1 {
			return m, nil
		}
	}
	return nil, nil
}

func (d *MemoryDirectory) DojoStudents(_ context.Context, dojo *types.Dojo) ([]*types.Student, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.Students[dojo.ID], nil
}

// StaticEngineResolver maps every user to a single engine host, with
// optional fixed node indexes per user.
type StaticEngineResolver struct {
	Host  string
	Nodes map[int64]int
}

func (r *StaticEngineResolver) ClientForUser(_ *types.User, _ string) (*engine.Client, error) {
	return engine.NewClient(r.Host)
}

func (r *StaticEngineResolver) UserNode(user *types.User) *int {
	if r.Nodes == nil {
		return nil
	}
	if node, ok := r.Nodes[user.ID]; ok {
		return &node
	}
	return nil
}

// HeaderAuthenticator trusts a user id header set by an upstream session
// layer. It is development plumbing; production fronts this service with
// the platform's session handling.
type HeaderAuthenticator struct {
	Header string
	Users  UserDirectory
}

func (a *HeaderAuthenticator) Authenticate(r *http.Request) (*types.User, error) {
	raw := r.Header.Get(a.Header)
	if raw == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, nil
	}
	return a.Users.GetUser(r.Context(), id)
}
