// Package handoff signs the workspace identity handed to the reverse
// proxy once a container is ready.
package handoff

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/dojoworks/workspaced/pkg/types"
)

// ErrNoSecret is returned when the HMAC key is not configured. This is a
// deployment fault and fails the provisioning attempt.
var ErrNoSecret = errors.New("WORKSPACE_SECRET is not configured")

// DefaultPort is the in-container port the reverse proxy forwards to.
const DefaultPort = 80

// Forwarder computes the public workspace URL from the signed identity.
// The reverse-proxy shim that owns URL layout implements it.
type Forwarder interface {
	ForwardURL(port int, signature, message string, user *types.User) string
}

// Signer produces signed workspace handoffs.
type Signer struct {
	Secret    string
	Forwarder Forwarder
}

// Message builds the signed payload: the short container id, extended with
// the worker-node address when the user lives on a non-default node.
func Message(containerID string, node *int) string {
	short := containerID
	if len(short) > 12 {
		short = short[:12]
	}
	if node == nil || *node == 0 {
		return short
	}
	return fmt.Sprintf("%s:192.168.42.%d", short, *node+1)
}

// Sign computes the urlsafe-base64 HMAC-SHA256 signature of message.
func (s *Signer) Sign(message string) (string, error) {
	if s.Secret == "" {
		return "", ErrNoSecret
	}
	mac := hmac.New(sha256.New, []byte(s.Secret))
	mac.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// WorkspaceURL signs the container identity for the effective user and
// returns the URL the browser is redirected to.
func (s *Signer) WorkspaceURL(containerID string, node *int, user *types.User) (string, error) {
	message := Message(containerID, node)
	signature, err := s.Sign(message)
	if err != nil {
		return "", err
	}
	return s.Forwarder.ForwardURL(DefaultPort, signature, message, user), nil
}

// UserFlag derives the deterministic per-user flag body for a challenge.
func UserFlag(secret string, userID, challengeID int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "user:%d:challenge:%d", userID, challengeID)
	return hex.EncodeToString(mac.Sum(nil)[:20])
}

// PathForwarder is the default reverse-proxy shim: signature and message
// travel as path segments under the workspace host.
type PathForwarder struct {
	Host   string
	Scheme string
}

func (f *PathForwarder) ForwardURL(port int, signature, message string, _ *types.User) string {
	scheme := f.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/workspace/%d/%s/%s", scheme, f.Host, port, signature, message)
}
