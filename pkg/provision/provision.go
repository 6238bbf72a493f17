// Package provision drives the asynchronous workspace provisioning
// pipeline: per-attempt teardown, container construction, readiness
// detection, material installation, and the signed handoff.
package provision

import (
	"context"
	"time"

	"github.com/dojoworks/workspaced/pkg/jobstore"
	"github.com/dojoworks/workspaced/pkg/log"
	"github.com/dojoworks/workspaced/pkg/metrics"
	"github.com/dojoworks/workspaced/pkg/platform"
	"github.com/dojoworks/workspaced/pkg/types"
)

const (
	// errRequestInvalid is the terminal message when the actors behind a
	// job vanished before provisioning began.
	errRequestInvalid = "Workspace request is no longer valid."

	// errStartFailed is the terminal message after retry exhaustion. The
	// detail stays in the server logs.
	errStartFailed = "Workspace failed to start. Please retry."
)

// Request identifies the work a single provisioning job performs. Actor
// and challenge records are reloaded from the directories at run time so a
// stale job cannot act on stale data.
type Request struct {
	JobID       string
	UserID      int64
	AsUserID    *int64
	ChallengeID string
	Practice    bool
	TraceID     string
}

// LaunchRequest is the resolved input to one provisioning attempt.
type LaunchRequest struct {
	User      *types.User
	AsUser    *types.User // effective user; equals User without impersonation
	Challenge *types.Challenge
	Practice  bool
	TraceID   string
}

// Impersonating reports whether the session acts on another account.
func (r *LaunchRequest) Impersonating() bool {
	return r.AsUser.ID != r.User.ID
}

// Launcher performs one provisioning attempt end to end and returns the
// signed workspace URL.
type Launcher interface {
	Launch(ctx context.Context, req *LaunchRequest) (string, error)
}

// FeedPublisher emits the post-success container-start event.
type FeedPublisher interface {
	PublishContainerStart(ctx context.Context, user *types.User, mode string, ch *types.Challenge) error
}

// Orchestrator owns the job lifecycle of provisioning workers.
type Orchestrator struct {
	Store      *jobstore.Store
	Users      platform.UserDirectory
	Challenges platform.ChallengeDirectory
	Launcher   Launcher
	Feed       FeedPublisher // optional

	Attempts       int
	Backoff        time.Duration
	AttemptTimeout time.Duration
}

// Run executes a provisioning job to completion. It is spawned as a
// worker goroutine by the job API and never returns an error: every
// outcome is recorded on the job record or the log.
func (o *Orchestrator) Run(ctx context.Context, req *Request) {
	logger := log.WithJobID(req.JobID)
	start := time.Now()

	job, err := o.Store.Update(ctx, req.JobID, func(j *types.Job) {
		j.State = types.JobStateRunning
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to mark job running")
		return
	}
	if job == nil {
		logger.Warn().Msg("job disappeared before it could start")
		return
	}
	metrics.JobTransitions.WithLabelValues(string(types.JobStateRunning)).Inc()

	user, challenge, asUser, err := o.resolve(ctx, req)
	if err != nil || user == nil || challenge == nil {
		logger.Warn().Err(err).Msg("job actors no longer resolvable")
		o.finish(ctx, req.JobID, types.JobStateError, "", errRequestInvalid)
		return
	}

	launch := &LaunchRequest{
		User:      user,
		AsUser:    asUser,
		Challenge: challenge,
		Practice:  req.Practice,
		TraceID:   req.TraceID,
	}

	attempts := o.Attempts
	if attempts <= 0 {
		attempts = 3
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		logger.Info().
			Int("attempt", attempt).
			Int("max_attempts", attempts).
			Int64("user_id", user.ID).
			Msg("starting provisioning attempt")

		workspaceURL, err := o.attempt(ctx, launch)
		if err == nil {
			metrics.ProvisionAttempts.WithLabelValues("success").Inc()
			metrics.ProvisionDuration.Observe(time.Since(start).Seconds())
			o.finish(ctx, req.JobID, types.JobStateReady, workspaceURL, "")
			o.publish(ctx, launch)
			return
		}

		metrics.ProvisionAttempts.WithLabelValues("failure").Inc()
		logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Int64("user_id", user.ID).
			Msg("provisioning attempt failed")

		if attempt < attempts {
			time.Sleep(o.Backoff)
		}
	}

	metrics.ProvisionDuration.Observe(time.Since(start).Seconds())
	o.finish(ctx, req.JobID, types.JobStateError, "", errStartFailed)
	logger.Error().Int64("user_id", user.ID).Msg("provisioning failed after all attempts")
}

func (o *Orchestrator) attempt(ctx context.Context, launch *LaunchRequest) (string, error) {
	if o.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.AttemptTimeout)
		defer cancel()
	}
	return o.Launcher.Launch(ctx, launch)
}

func (o *Orchestrator) resolve(ctx context.Context, req *Request) (*types.User, *types.Challenge, *types.User, error) {
	user, err := o.Users.GetUser(ctx, req.UserID)
	if err != nil || user == nil {
		return nil, nil, nil, err
	}
	challenge, err := o.Challenges.GetChallenge(ctx, req.ChallengeID)
	if err != nil || challenge == nil {
		return nil, nil, nil, err
	}

	asUser := user
	if req.AsUserID != nil {
		asUser, err = o.Users.GetUser(ctx, *req.AsUserID)
		if err != nil || asUser == nil {
			return nil, nil, nil, err
		}
	}
	return user, challenge, asUser, nil
}

func (o *Orchestrator) finish(ctx context.Context, jobID string, state types.JobState, workspaceURL, errMsg string) {
	now := types.Epoch(time.Now())
	_, err := o.Store.Update(ctx, jobID, func(j *types.Job) {
		j.State = state
		j.FinishedAt = &now
		if workspaceURL != "" {
			j.WorkspaceURL = &workspaceURL
		}
		if errMsg != "" {
			j.Error = &errMsg
		}
	})
	if err != nil {
		log.WithJobID(jobID).Error().Err(err).Msg("failed to record job outcome")
		return
	}
	metrics.JobTransitions.WithLabelValues(string(state)).Inc()
}

// publish emits the container-start event for official and public dojos.
// Failures are logged and never affect the job outcome.
func (o *Orchestrator) publish(ctx context.Context, launch *LaunchRequest) {
	if o.Feed == nil {
		return
	}
	dojo := launch.Challenge.Dojo
	if dojo == nil || (!dojo.Official && dojo.Type != "public") {
		return
	}

	mode := "assessment"
	if launch.Practice {
		mode = "practice"
	}
	if err := o.Feed.PublishContainerStart(ctx, launch.AsUser, mode, launch.Challenge); err != nil {
		log.WithComponent("provision").Warn().Err(err).Msg("failed to publish container start event")
	}
}
