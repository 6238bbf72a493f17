// Package api serves the authenticated workspace management HTTP surface
// under /docker.
package api

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/dojoworks/workspaced/pkg/cache"
	"github.com/dojoworks/workspaced/pkg/jobstore"
	"github.com/dojoworks/workspaced/pkg/locker"
	"github.com/dojoworks/workspaced/pkg/log"
	"github.com/dojoworks/workspaced/pkg/metrics"
	"github.com/dojoworks/workspaced/pkg/platform"
	"github.com/dojoworks/workspaced/pkg/provision"
	"github.com/dojoworks/workspaced/pkg/types"
)

// workspaceTokenHeader designates an impersonation target independently of
// admin status, for instructor inspection flows.
const workspaceTokenHeader = "X-Workspace-Token"

const lockContention = "Already starting a challenge; try again in 20 seconds."

// Server is the job API.
type Server struct {
	Store      *jobstore.Store
	Cache      cache.Cache
	Locker     *locker.Locker
	Auth       platform.Authenticator
	Users      platform.UserDirectory
	Challenges platform.ChallengeDirectory
	Engines    platform.EngineResolver

	Orchestrator *provision.Orchestrator

	// WorkspaceHost builds the public job URL; empty disables it.
	WorkspaceHost string

	// Spawn runs a provisioning worker. Defaults to a goroutine; tests
	// substitute a synchronous runner.
	Spawn func(req *provision.Request)
}

// StartRequest is the POST /docker body.
type StartRequest struct {
	Dojo      string `json:"dojo"`
	Module    string `json:"module"`
	Challenge string `json:"challenge"`
	Practice  bool   `json:"practice"`
	AsUser    *int64 `json:"as_user,omitempty"`
}

// Handler returns the service's full HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(30 * time.Second))

	r.Mount("/docker", s.Routes())
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	return r
}

// Routes returns the /docker router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", s.StartWorkspace)
	r.Get("/", s.CurrentWorkspace)
	r.Delete("/", s.DeleteWorkspace)
	r.Get("/next", s.NextChallenge)
	return r
}

// StartWorkspace handles POST /docker: validate, authorize, create the
// job, and spawn the provisioning worker.
func (s *Server) StartWorkspace(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	user, err := s.Auth.Authenticate(r)
	if err != nil || user == nil {
		respondStatus(w, http.StatusUnauthorized, map[string]any{
			"success": false, "error": "Authentication required",
		})
		return
	}

	release, err := s.Locker.Acquire(ctx, locker.UserKey(user.ID))
	if err != nil {
		if errors.Is(err, locker.ErrNotAcquired) {
			respondFail(w, lockContention)
			return
		}
		log.WithUserID(user.ID).Error().Err(err).Msg("failed to acquire start lock")
		respondFail(w, "Workspace request failed. Please retry.")
		return
	}
	defer release()

	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondFail(w, "Invalid request")
		return
	}

	var asUser *types.User
	if token := r.Header.Get(workspaceTokenHeader); token != "" {
		asUser, err = s.Users.LookupWorkspaceToken(ctx, token)
		switch {
		case errors.Is(err, platform.ErrTokenInvalid):
			respondStatus(w, http.StatusUnauthorized, map[string]any{
				"success": false, "error": "Invalid workspace token",
			})
			return
		case errors.Is(err, platform.ErrTokenExpired):
			respondStatus(w, http.StatusUnauthorized, map[string]any{
				"success": false, "error": "This workspace token has expired",
			})
			return
		case err != nil:
			log.WithUserID(user.ID).Error().Err(err).Msg("failed to resolve workspace token")
			respondStatus(w, http.StatusUnauthorized, map[string]any{
				"success": false, "error": "Internal error while resolving workspace token",
			})
			return
		}
	}

	dojo, err := s.Challenges.DojoAccessible(ctx, user, req.Dojo)
	if err != nil || dojo == nil {
		respondFail(w, "Invalid dojo")
		return
	}

	challenge, err := s.Challenges.ResolveChallenge(ctx, dojo, req.Module, req.Challenge)
	if err != nil || challenge == nil {
		respondFail(w, "Invalid challenge")
		return
	}
	if !challenge.Visible && !dojo.IsAdmin(user) {
		respondFail(w, "Invalid challenge")
		return
	}

	if req.Practice && !challenge.AllowPrivileged {
		respondFail(w, "This challenge does not support practice mode.")
		return
	}

	if locked, err := s.Challenges.IsChallengeLocked(ctx, challenge, user); err != nil || locked {
		respondFail(w, "This challenge is locked")
		return
	}

	if dojo.IsAdmin(user) && req.AsUser != nil {
		asUser, err = s.resolveImpersonation(ctx, user, dojo, *req.AsUser)
		if err != nil {
			respondFail(w, err.Error())
			return
		}
	}

	job, err := s.createJob(ctx, user, asUser, challenge, req.Practice)
	if err != nil {
		log.WithUserID(user.ID).Error().Err(err).Msg("failed to create job")
		respondFail(w, "Workspace request failed. Please retry.")
		return
	}

	workerReq := &provision.Request{
		JobID:       job.ID,
		UserID:      user.ID,
		ChallengeID: challenge.ID,
		Practice:    req.Practice,
		TraceID:     chimiddleware.GetReqID(ctx),
	}
	if asUser != nil {
		workerReq.AsUserID = &asUser.ID
	}
	s.spawn(workerReq)

	response := map[string]any{"success": true, "job_id": job.ID}
	if jobURL := s.jobURL(r, job); jobURL != "" {
		response["job_url"] = jobURL
	} else {
		response["message"] = "Workspace queued"
	}
	respond(w, response)
}

// resolveImpersonation applies the admin as_user rules: global admins may
// impersonate anyone; dojo admins only official students of the dojo.
func (s *Server) resolveImpersonation(ctx context.Context, user *types.User, dojo *types.Dojo, asUserID int64) (*types.User, error) {
	if user.Admin {
		target, err := s.Users.GetUser(ctx, asUserID)
		if err != nil || target == nil {
			return nil, fmt.Errorf("Invalid user ID (%d)", asUserID)
		}
		return target, nil
	}

	students, err := s.Challenges.DojoStudents(ctx, dojo)
	if err != nil {
		return nil, fmt.Errorf("Invalid user ID (%d)", asUserID)
	}
	for _, student := range students {
		if student.UserID != asUserID {
			continue
		}
		if !student.Official {
			return nil, fmt.Errorf("Not an official student in this dojo (%d)", asUserID)
		}
		target, err := s.Users.GetUser(ctx, asUserID)
		if err != nil || target == nil {
			return nil, fmt.Errorf("Invalid user ID (%d)", asUserID)
		}
		return target, nil
	}
	return nil, fmt.Errorf("Not a student in this dojo (%d)", asUserID)
}

func (s *Server) createJob(ctx context.Context, user, asUser *types.User, challenge *types.Challenge, practice bool) (*types.Job, error) {
	token, err := newJobToken()
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	now := types.Epoch(time.Now())
	job := &types.Job{
		ID:            hex.EncodeToString(id[:]),
		Token:         token,
		UserID:        user.ID,
		UserName:      user.Name,
		DojoID:        challenge.Dojo.ID,
		DojoReference: challenge.Dojo.ReferenceID,
		DojoName:      challenge.Dojo.Name,
		ChallengeID:   challenge.ID,
		ChallengeName: challenge.Name,
		Practice:      practice,
		State:         types.JobStatePending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if challenge.Module != nil {
		job.ModuleID = &challenge.Module.ID
		job.ModuleName = &challenge.Module.Name
	}
	if asUser != nil {
		job.AsUserID = &asUser.ID
		job.AsUserName = &asUser.Name
	}

	if err := s.Store.Put(ctx, job); err != nil {
		return nil, err
	}
	metrics.JobTransitions.WithLabelValues(string(types.JobStatePending)).Inc()
	return job, nil
}

func (s *Server) spawn(req *provision.Request) {
	if s.Spawn != nil {
		s.Spawn(req)
		return
	}
	go s.Orchestrator.Run(context.Background(), req)
}

// jobURL builds the public holding-page URL, honoring the forwarded
// protocol. Empty when no workspace host is configured.
func (s *Server) jobURL(r *http.Request, job *types.Job) string {
	if s.WorkspaceHost == "" {
		return ""
	}
	scheme := r.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		scheme = "http"
		if r.TLS != nil {
			scheme = "https"
		}
	}
	return fmt.Sprintf("%s://%s/workspace/job/%s/%s", scheme, s.WorkspaceHost, job.ID, job.Token)
}

// CurrentWorkspace handles GET /docker: report the coordinates of the
// caller's running container from its labels.
func (s *Server) CurrentWorkspace(w http.ResponseWriter, r *http.Request) {
	user, err := s.Auth.Authenticate(r)
	if err != nil || user == nil {
		respondStatus(w, http.StatusUnauthorized, map[string]any{
			"success": false, "error": "Authentication required",
		})
		return
	}

	labels, err := provision.CurrentContainer(r.Context(), s.Engines, s.Cache, user)
	if err != nil {
		log.WithUserID(user.ID).Error().Err(err).Msg("failed to inspect current container")
		respondFail(w, "No challenge container")
		return
	}
	if labels == nil {
		respondFail(w, "No challenge container")
		return
	}

	// Privileged mode and practice are linked by convention; there is no
	// separate practice label.
	respond(w, map[string]any{
		"success":   true,
		"dojo":      labels["dojo.dojo_id"],
		"module":    labels["dojo.module_id"],
		"challenge": labels["dojo.challenge_id"],
		"practice":  labels["dojo.mode"] == "privileged",
	})
}

// DeleteWorkspace handles DELETE /docker: best-effort teardown of the
// caller's container.
func (s *Server) DeleteWorkspace(w http.ResponseWriter, r *http.Request) {
	user, err := s.Auth.Authenticate(r)
	if err != nil || user == nil {
		respondStatus(w, http.StatusUnauthorized, map[string]any{
			"success": false, "error": "Authentication required",
		})
		return
	}

	labels, err := provision.CurrentContainer(r.Context(), s.Engines, s.Cache, user)
	if err != nil || labels == nil {
		respondFail(w, "No active challenge container")
		return
	}

	provision.Teardown(r.Context(), s.Engines, s.Cache, user)
	respond(w, map[string]any{"success": true, "message": "Challenge container terminated"})
}

// NextChallenge handles GET /docker/next: the next challenge in the
// caller's current module, spilling into the following module.
func (s *Server) NextChallenge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	user, err := s.Auth.Authenticate(r)
	if err != nil || user == nil {
		respondStatus(w, http.StatusUnauthorized, map[string]any{
			"success": false, "error": "Authentication required",
		})
		return
	}

	labels, err := provision.CurrentContainer(ctx, s.Engines, s.Cache, user)
	if err != nil || labels == nil {
		respondFail(w, "No active challenge")
		return
	}

	current, err := s.Challenges.GetChallenge(ctx, labels["dojo.challenge_id"])
	if err != nil || current == nil || current.Module == nil {
		respondFail(w, "No active challenge")
		return
	}

	siblings, err := s.Challenges.ModuleChallenges(ctx, current.Dojo.ID, current.Module.Index)
	if err != nil {
		respondFail(w, "No next challenge available")
		return
	}

	currentIdx := -1
	for i, ch := range siblings {
		if ch.ID == current.ID {
			currentIdx = i
			break
		}
	}
	if currentIdx == -1 {
		respondFail(w, "Current challenge not found in module")
		return
	}

	if currentIdx+1 < len(siblings) {
		next := siblings[currentIdx+1]
		respond(w, map[string]any{
			"success":         true,
			"dojo":            current.Dojo.ReferenceID,
			"module":          next.Module.ID,
			"challenge":       next.ID,
			"challenge_index": next.Index,
		})
		return
	}

	nextModule, err := s.Challenges.NextModule(ctx, current.Dojo.ID, current.Module.Index)
	if err == nil && nextModule != nil {
		first, err := s.Challenges.ModuleChallenges(ctx, current.Dojo.ID, nextModule.Index)
		if err == nil && len(first) > 0 {
			respond(w, map[string]any{
				"success":         true,
				"dojo":            current.Dojo.ReferenceID,
				"module":          first[0].Module.ID,
				"challenge":       first[0].ID,
				"challenge_index": first[0].Index,
				"new_module":      true,
			})
			return
		}
	}

	respondFail(w, "No next challenge available")
}

func newJobToken() (string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("failed to generate job token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf[:]), nil
}

func respond(w http.ResponseWriter, payload map[string]any) {
	respondStatus(w, http.StatusOK, payload)
}

func respondFail(w http.ResponseWriter, msg string) {
	respondStatus(w, http.StatusOK, map[string]any{"success": false, "error": msg})
}

func respondStatus(w http.ResponseWriter, status int, payload map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
