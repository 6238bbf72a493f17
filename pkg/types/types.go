package types

import "time"

// JobState represents the lifecycle state of a workspace job.
type JobState string

const (
	JobStatePending JobState = "pending"
	JobStateRunning JobState = "running"
	JobStateReady   JobState = "ready"
	JobStateError   JobState = "error"
)

// Terminal reports whether a state admits no further transitions.
func (s JobState) Terminal() bool {
	return s == JobStateReady || s == JobStateError
}

// Job is the record shared between the job API and the job proxy through
// the job store. Only the provisioning worker mutates it after creation.
type Job struct {
	ID    string `json:"id"`
	Token string `json:"token"`

	UserID     int64   `json:"user_id"`
	UserName   string  `json:"user_name"`
	AsUserID   *int64  `json:"as_user_id"`
	AsUserName *string `json:"as_user_name"`

	DojoID        int64   `json:"dojo_id"`
	DojoReference string  `json:"dojo_reference"`
	DojoName      string  `json:"dojo_name"`
	ModuleID      *string `json:"module_id"`
	ModuleName    *string `json:"module_name"`
	ChallengeID   string  `json:"challenge_id"`
	ChallengeName string  `json:"challenge_name"`

	Practice bool `json:"practice"`

	State        JobState `json:"state"`
	WorkspaceURL *string  `json:"workspace_url"`
	Error        *string  `json:"error"`

	CreatedAt  int64  `json:"created_at"`
	UpdatedAt  int64  `json:"updated_at"`
	FinishedAt *int64 `json:"finished_at,omitempty"`
}

// User is an authenticated platform account. Authentication itself is
// handled outside this subsystem.
type User struct {
	ID     int64
	Name   string
	Admin  bool // global platform admin
	Awards []string
}

// HasAward reports whether the user holds the named award.
func (u *User) HasAward(name string) bool {
	for _, a := range u.Awards {
		if a == name {
			return true
		}
	}
	return false
}

// Dojo is a course: an ordered collection of modules.
type Dojo struct {
	ID          int64
	ReferenceID string
	Name        string
	Official    bool
	Type        string
	Permissions []string
	Admins      []int64
}

// HasPermission reports whether the dojo grants the named permission to
// its workspaces.
func (d *Dojo) HasPermission(name string) bool {
	for _, p := range d.Permissions {
		if p == name {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the user administers this dojo. Global admins
// administer every dojo.
func (d *Dojo) IsAdmin(u *User) bool {
	if u == nil {
		return false
	}
	if u.Admin {
		return true
	}
	for _, id := range d.Admins {
		if id == u.ID {
			return true
		}
	}
	return false
}

// Module is an ordered collection of challenges within a dojo.
type Module struct {
	ID    string
	Name  string
	Index int
}

// Challenge is a single exercise. ID is the dojo-scoped identifier used in
// URLs and labels; ChallengeID is the platform-wide numeric id used for
// flag and option derivation.
type Challenge struct {
	ID          string
	ChallengeID int64
	Name        string
	Description string
	Index       int

	Dojo   *Dojo
	Module *Module

	Image           string
	Path            string // challenge material directory; empty if none
	Privileged      bool
	AllowPrivileged bool
	Visible         bool
}

// Student is a dojo enrollment record, used to scope impersonation.
type Student struct {
	UserID   int64
	Official bool
}

// Epoch returns t as UNIX epoch seconds, the wire format of job timestamps.
func Epoch(t time.Time) int64 {
	return t.Unix()
}
