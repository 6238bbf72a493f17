// Package builder composes workspace container specifications and starts
// them on the engine.
package builder

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/strslice"

	"github.com/dojoworks/workspaced/pkg/cache"
	"github.com/dojoworks/workspaced/pkg/engine"
	"github.com/dojoworks/workspaced/pkg/log"
	"github.com/dojoworks/workspaced/pkg/types"
)

const (
	challengeBinPath = "/run/challenge/bin"
	dojoBinPath      = "/run/dojo/bin"
	homeDir          = "/home/hacker"

	dojoInitPath = "/nix/var/nix/profiles/dojo-workspace/bin/dojo-init"

	workspaceNetwork = "workspace_net"
	bridgeNetwork    = "bridge"

	kataRuntime = "io.containerd.run.kata.v2"
	runcRuntime = "runc"

	memoryLimit = 4 << 30
	pidsLimit   = 1024
	cpuPeriod   = 100000
	cpuQuota    = 400000
)

// allowedDevices are the host devices a workspace may receive, subject to
// availability on the engine.
var allowedDevices = []string{"/dev/kvm", "/dev/net/tun"}

// Builder holds the host-side configuration that shapes every workspace
// container.
type Builder struct {
	HostDataPath        string
	SeccompProfile      string
	UserFirewallAllowed map[string]string
	InternetForAll      bool
}

// Input carries everything needed to construct one workspace container.
type Input struct {
	User      *types.User
	AsUser    *types.User
	Challenge *types.Challenge
	Practice  bool
	Mounts    []mount.Mount // home-volume mounts supplied by the orchestrator
}

// Spec is the fully composed container specification.
type Spec struct {
	Name       string
	Hostname   string
	AuthToken  string
	Config     *container.Config
	HostConfig *container.HostConfig
}

// Devices maps the intersection of the allowed device set and the
// engine's available character devices into container device mappings.
func Devices(available []string) []container.DeviceMapping {
	availSet := make(map[string]bool, len(available))
	for _, d := range available {
		availSet[d] = true
	}

	var mappings []container.DeviceMapping
	for _, d := range allowedDevices {
		if availSet[d] {
			mappings = append(mappings, container.DeviceMapping{
				PathOnHost:        d,
				PathInContainer:   d,
				CgroupPermissions: "rwm",
			})
		}
	}
	return mappings
}

// PathEnv composes the workspace PATH from the image's own PATH.
func PathEnv(imageEnv []string) string {
	elems := []string{challengeBinPath, dojoBinPath}
	for _, e := range imageEnv {
		if rest, ok := strings.CutPrefix(e, "PATH="); ok {
			for _, p := range strings.Split(rest, ":") {
				if p != "" {
					elems = append(elems, p)
				}
			}
			break
		}
	}
	return strings.Join(elems, ":")
}

// Capabilities returns the capability set for a challenge under the given
// dojo permissions.
func Capabilities(challenge *types.Challenge) []string {
	caps := []string{"SYS_PTRACE"}
	if challenge.Privileged {
		caps = append(caps, "SYS_ADMIN")
		if challenge.Dojo != nil && challenge.Dojo.HasPermission("workspace_net_admin") {
			caps = append(caps, "NET_ADMIN")
		}
	}
	return caps
}

// Compose builds the container specification deterministically from its
// inputs. It performs no engine calls; Launch drives the engine.
func (b *Builder) Compose(in Input, imageEnv, availableDevices []string) (*Spec, error) {
	authToken, err := newAuthToken()
	if err != nil {
		return nil, err
	}
	return b.compose(in, imageEnv, availableDevices, authToken), nil
}

func (b *Builder) compose(in Input, imageEnv, availableDevices []string, authToken string) *Spec {
	ch := in.Challenge
	moduleID := ""
	if ch.Module != nil {
		moduleID = ch.Module.ID
	}
	hostname := Hostname(in.Practice, moduleID, ch.Name)
	name := ContainerName(in.User.ID)

	mode := "standard"
	if in.Practice {
		mode = "privileged"
	}

	labels := map[string]string{
		"dojo.dojo_id":               ch.Dojo.ReferenceID,
		"dojo.module_id":             moduleID,
		"dojo.challenge_id":          ch.ID,
		"dojo.challenge_description": ch.Description,
		"dojo.user_id":               strconv.FormatInt(in.User.ID, 10),
		"dojo.as_user_id":            strconv.FormatInt(in.AsUser.ID, 10),
		"dojo.auth_token":            authToken,
		"dojo.mode":                  mode,
	}

	mounts := []mount.Mount{
		{
			Type:     mount.TypeBind,
			Source:   b.HostDataPath + "/workspace/nix",
			Target:   "/nix",
			ReadOnly: true,
		},
		{
			Type:     mount.TypeBind,
			Source:   "/run/dojo/dojofs",
			Target:   "/run/dojo/sys",
			ReadOnly: true,
			BindOptions: &mount.BindOptions{
				Propagation: mount.PropagationSlave,
			},
		},
	}
	mounts = append(mounts, in.Mounts...)

	extraHosts := []string{
		hostname + ":127.0.0.1",
		"vm:127.0.0.1",
		truncate("vm_"+hostname, maxHostnameLen) + ":127.0.0.1",
		"challenge.localhost:127.0.0.1",
		"hacker.localhost:127.0.0.1",
		"dojo-user:" + UserIPv4(in.User.ID),
	}
	for _, host := range sortedKeys(b.UserFirewallAllowed) {
		extraHosts = append(extraHosts, host+":"+b.UserFirewallAllowed[host])
	}

	runtime := runcRuntime
	if ch.Privileged {
		runtime = kataRuntime
	}

	initTrue := true
	pids := int64(pidsLimit)

	return &Spec{
		Name:      name,
		Hostname:  hostname,
		AuthToken: authToken,
		Config: &container.Config{
			Image:      ch.Image,
			Hostname:   hostname,
			User:       "0",
			WorkingDir: homeDir,
			OpenStdin:  true,
			Entrypoint: strslice.StrSlice{dojoInitPath, dojoBinPath + "/sleep", "6h"},
			Env: []string{
				"HOME=" + homeDir,
				"PATH=" + PathEnv(imageEnv),
				"SHELL=" + dojoBinPath + "/bash",
				"DOJO_AUTH_TOKEN=" + authToken,
			},
			Labels: labels,
		},
		HostConfig: &container.HostConfig{
			AutoRemove:  true,
			Init:        &initTrue,
			Mounts:      mounts,
			ExtraHosts:  extraHosts,
			CapAdd:      strslice.StrSlice(Capabilities(ch)),
			SecurityOpt: []string{"seccomp=" + b.SeccompProfile},
			Sysctls:     map[string]string{"net.ipv4.ip_unprivileged_port_start": "1024"},
			Runtime:     runtime,
			Resources: container.Resources{
				CPUPeriod: cpuPeriod,
				CPUQuota:  cpuQuota,
				Memory:    memoryLimit,
				PidsLimit: &pids,
				Devices:   Devices(availableDevices),
			},
		},
	}
}

// Launch composes the specification and drives the engine: create, wire
// the workspace network, cut the bridge unless the user has internet
// access, then start. Returns the container id.
func (b *Builder) Launch(ctx context.Context, c *engine.Client, store cache.Cache, in Input) (string, error) {
	imageEnv, err := c.ImageEnv(ctx, in.Challenge.Image)
	if err != nil {
		return "", err
	}

	availableDevices, err := engine.AvailableDevices(ctx, c, store)
	if err != nil {
		return "", err
	}

	spec, err := b.Compose(in, imageEnv, availableDevices)
	if err != nil {
		return "", err
	}

	id, err := c.CreateContainer(ctx, spec.Config, spec.HostConfig, spec.Name)
	if err != nil {
		return "", err
	}

	if err := c.ConnectNetwork(ctx, workspaceNetwork, id, UserIPv4(in.User.ID), []string{spec.Name}); err != nil {
		return "", err
	}

	internet := b.InternetForAll || in.User.HasAward("INTERNET")
	if !internet {
		if err := c.DisconnectNetwork(ctx, bridgeNetwork, id); err != nil {
			return "", err
		}
	}

	if err := c.StartContainer(ctx, id); err != nil {
		return "", err
	}

	log.WithComponent("builder").Info().
		Str("container_id", shortID(id)).
		Str("hostname", spec.Hostname).
		Int64("user_id", in.User.ID).
		Msg("workspace container started")
	return id, nil
}

func newAuthToken() (string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("failed to generate auth token: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func shortID(id string) string {
	return truncate(id, 12)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
