package provision

import (
	"context"
	"fmt"

	"github.com/dojoworks/workspaced/pkg/builder"
	"github.com/dojoworks/workspaced/pkg/cache"
	"github.com/dojoworks/workspaced/pkg/engine"
	"github.com/dojoworks/workspaced/pkg/log"
	"github.com/dojoworks/workspaced/pkg/platform"
	"github.com/dojoworks/workspaced/pkg/types"
)

// Teardown removes the user's container and home volumes wherever they
// may live. The user may have migrated between engine hosts since the
// last start, so both the default engine and the engine hinted by the
// last known image are swept. Every step is best-effort: not-found and
// engine errors are swallowed, and running it twice is harmless.
func Teardown(ctx context.Context, engines platform.EngineResolver, store cache.Cache, user *types.User) {
	logger := log.WithUserID(user.ID)

	imageHints := []string{""}
	if hint, ok, err := store.Get(ctx, RunningImageKey(user.ID)); err == nil && ok {
		imageHints = append(imageHints, hint)
	}

	name := builder.ContainerName(user.ID)
	volumes := []string{
		fmt.Sprintf("%d", user.ID),
		fmt.Sprintf("%d-overlay", user.ID),
	}

	for _, hint := range imageHints {
		client, err := engines.ClientForUser(user, hint)
		if err != nil {
			logger.Debug().Err(err).Str("image_hint", hint).Msg("no engine for teardown sweep")
			continue
		}

		if err := client.RemoveContainer(ctx, name); err != nil {
			logger.Debug().Err(err).Msg("teardown container removal")
		} else if err := client.WaitRemoved(ctx, name); err != nil {
			logger.Debug().Err(err).Msg("teardown container wait")
		}

		for _, volume := range volumes {
			if err := client.RemoveVolume(ctx, volume); err != nil {
				logger.Debug().Err(err).Str("volume", volume).Msg("teardown volume removal")
			}
		}

		client.Close()
	}
}

// CurrentContainer inspects the user's active workspace container and
// returns its labels, or nil if no container exists.
func CurrentContainer(ctx context.Context, engines platform.EngineResolver, store cache.Cache, user *types.User) (map[string]string, error) {
	hint := ""
	if cached, ok, err := store.Get(ctx, RunningImageKey(user.ID)); err == nil && ok {
		hint = cached
	}

	client, err := engines.ClientForUser(user, hint)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	info, err := client.InspectContainer(ctx, builder.ContainerName(user.ID))
	if err != nil {
		if engine.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if info.Config == nil {
		return nil, nil
	}
	return info.Config.Labels, nil
}
