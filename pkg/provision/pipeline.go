package provision

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/mount"

	"github.com/dojoworks/workspaced/pkg/builder"
	"github.com/dojoworks/workspaced/pkg/cache"
	"github.com/dojoworks/workspaced/pkg/engine"
	"github.com/dojoworks/workspaced/pkg/handoff"
	"github.com/dojoworks/workspaced/pkg/log"
	"github.com/dojoworks/workspaced/pkg/material"
	"github.com/dojoworks/workspaced/pkg/platform"
	"github.com/dojoworks/workspaced/pkg/readiness"
)

const homefsDriver = "homefs"

// RunningImageKey is the cache entry remembering which image a user's
// container was last started from. It is written without expiry; the hint
// only has to outlive the container it describes.
func RunningImageKey(userID int64) string {
	return fmt.Sprintf("user_%d-running-image", userID)
}

// Pipeline is the production Launcher: one call provisions one workspace
// container end to end on the engine host the user maps to.
type Pipeline struct {
	Cache     cache.Cache
	Engines   platform.EngineResolver
	Builder   *builder.Builder
	Installer *material.Installer
	Signer    *handoff.Signer

	// FlagSecret seeds the per-user flag serializer.
	FlagSecret string
}

// Launch tears down any previous container for the user, builds and
// starts a fresh one, installs material and flag once init reports
// initialized, and returns the signed workspace URL once init reports
// ready.
func (p *Pipeline) Launch(ctx context.Context, req *LaunchRequest) (string, error) {
	logger := log.WithTraceID(req.TraceID)
	start := time.Now()

	Teardown(ctx, p.Engines, p.Cache, req.User)

	client, err := p.Engines.ClientForUser(req.User, req.Challenge.Image)
	if err != nil {
		return "", fmt.Errorf("failed to resolve engine for user %d: %w", req.User.ID, err)
	}
	defer client.Close()

	in := builder.Input{
		User:      req.User,
		AsUser:    req.AsUser,
		Challenge: req.Challenge,
		Practice:  req.Practice,
		Mounts:    p.homeMounts(req),
	}
	containerID, err := p.Builder.Launch(ctx, client, p.Cache, in)
	if err != nil {
		return "", err
	}

	if err := p.waitFor(ctx, client, containerID, start, readiness.WaitInitialized); err != nil {
		return "", err
	}

	if err := p.Cache.Set(ctx, RunningImageKey(req.User.ID), req.Challenge.Image, 0); err != nil {
		logger.Warn().Err(err).Msg("failed to record running image hint")
	}

	if req.Challenge.Path != "" {
		if err := p.Installer.Install(ctx, client, containerID, req.AsUser.ID, req.Challenge); err != nil {
			return "", err
		}
	}

	flag := material.Flag(req.Practice, req.Impersonating(),
		handoff.UserFlag(p.FlagSecret, req.AsUser.ID, req.Challenge.ChallengeID))
	if err := material.InjectFlag(ctx, client, containerID, flag); err != nil {
		return "", err
	}

	if err := p.waitFor(ctx, client, containerID, start, readiness.WaitReady); err != nil {
		return "", err
	}

	return p.Signer.WorkspaceURL(containerID, p.Engines.UserNode(req.AsUser), req.AsUser)
}

func (p *Pipeline) waitFor(ctx context.Context, client *engine.Client, containerID string, start time.Time, wait func(io.Reader, time.Time) error) error {
	logs, err := client.FollowLogs(ctx, containerID)
	if err != nil {
		return err
	}
	defer logs.Close()
	return wait(logs, start)
}

// homeMounts builds the persistent home volume set. Impersonation mounts
// the target's home as an overlay and keeps the operator's own home
// visible at /home/me.
func (p *Pipeline) homeMounts(req *LaunchRequest) []mount.Mount {
	ownVolume := fmt.Sprintf("%d", req.User.ID)

	homeMount := func(target, volume string, options map[string]string) mount.Mount {
		options["trace_id"] = req.TraceID
		return mount.Mount{
			Type:   mount.TypeVolume,
			Source: volume,
			Target: target,
			VolumeOptions: &mount.VolumeOptions{
				NoCopy: true,
				DriverConfig: &mount.Driver{
					Name:    homefsDriver,
					Options: options,
				},
			},
		}
	}

	if !req.Impersonating() {
		return []mount.Mount{
			homeMount("/home/hacker", ownVolume, map[string]string{}),
		}
	}
	return []mount.Mount{
		homeMount("/home/hacker", ownVolume+"-overlay", map[string]string{
			"overlay": fmt.Sprintf("%d", req.AsUser.ID),
		}),
		homeMount("/home/me", ownVolume, map[string]string{}),
	}
}
