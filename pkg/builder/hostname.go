package builder

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	hostnameStrip    = regexp.MustCompile(`[^a-z0-9\s.-]`)
	hostnameCollapse = regexp.MustCompile(`[\s.-]+`)
)

// maxHostnameLen is the kernel limit on container hostnames.
const maxHostnameLen = 64

// Hostname derives the container hostname from the module id and the
// challenge name: an optional practice prefix, then the module id, then
// the normalized challenge name, joined with "~" and capped at 64 bytes.
func Hostname(practice bool, moduleID, challengeName string) string {
	name := strings.ToLower(challengeName)
	name = hostnameStrip.ReplaceAllString(name, "")
	name = hostnameCollapse.ReplaceAllString(name, "-")

	parts := []string{}
	if practice {
		parts = append(parts, "practice")
	}
	parts = append(parts, moduleID, name)

	hostname := strings.Join(parts, "~")
	if len(hostname) > maxHostnameLen {
		hostname = hostname[:maxHostnameLen]
	}
	return hostname
}

// ContainerName is the deterministic per-user container name. At most one
// workspace container exists per user at a time.
func ContainerName(userID int64) string {
	return fmt.Sprintf("user_%d", userID)
}

// UserIPv4 is the deterministic per-user address on the workspace network,
// inside 10.16.0.0/12. The low offset keeps clear of the network and
// gateway addresses.
func UserIPv4(userID int64) string {
	n := uint32(userID)%0xfff00 + 0x100
	return fmt.Sprintf("10.%d.%d.%d", 16+(n>>16), (n>>8)&0xff, n&0xff)
}
