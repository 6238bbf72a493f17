// Package feed publishes workspace lifecycle events to the platform feed.
package feed

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/dojoworks/workspaced/pkg/types"
)

// DefaultChannel is the pub/sub channel the platform feed listens on.
const DefaultChannel = "dojo:feed"

// ContainerStart is the event emitted when a workspace for an official or
// public dojo comes up.
type ContainerStart struct {
	Event         string  `json:"event"`
	UserID        int64   `json:"user_id"`
	UserName      string  `json:"user_name"`
	Mode          string  `json:"mode"` // "practice" or "assessment"
	ChallengeID   int64   `json:"challenge_id"`
	ChallengeName string  `json:"challenge_name"`
	ModuleID      *string `json:"module_id"`
	ModuleName    *string `json:"module_name"`
	DojoID        string  `json:"dojo_id"`
	DojoName      string  `json:"dojo_name"`
}

// Publisher emits events on a Redis pub/sub channel.
type Publisher struct {
	client  *redis.Client
	channel string
}

// NewPublisher creates a feed publisher. An empty channel uses
// DefaultChannel.
func NewPublisher(client *redis.Client, channel string) *Publisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Publisher{client: client, channel: channel}
}

// PublishContainerStart emits a container-start event for the effective
// user. Failures are returned for the caller to log; they never affect
// the job outcome.
func (p *Publisher) PublishContainerStart(ctx context.Context, user *types.User, mode string, ch *types.Challenge) error {
	event := ContainerStart{
		Event:         "container_start",
		UserID:        user.ID,
		UserName:      user.Name,
		Mode:          mode,
		ChallengeID:   ch.ChallengeID,
		ChallengeName: ch.Name,
		DojoID:        ch.Dojo.ReferenceID,
		DojoName:      ch.Dojo.Name,
	}
	if ch.Module != nil {
		event.ModuleID = &ch.Module.ID
		event.ModuleName = &ch.Module.Name
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode container start event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish container start event: %w", err)
	}
	return nil
}
