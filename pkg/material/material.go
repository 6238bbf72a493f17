// Package material injects challenge files and the per-user flag into a
// running workspace container.
package material

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dojoworks/workspaced/pkg/engine"
	"github.com/dojoworks/workspaced/pkg/types"
)

const (
	challengeDir = "/challenge"
	dojoBinPath  = "/run/dojo/bin"
)

// Installer performs the in-container material and flag installation.
type Installer struct {
	// SecretKey seeds deterministic option selection.
	SecretKey string
}

// Install unpacks the challenge directory into /challenge, overlays the
// deterministically selected option directory if any, and normalizes
// ownership and permissions.
func (i *Installer) Install(ctx context.Context, c *engine.Client, containerID string, asUserID int64, ch *types.Challenge) error {
	root, err := filepath.EvalSymlinks(ch.Path)
	if err != nil {
		return fmt.Errorf("failed to resolve challenge path %s: %w", ch.Path, err)
	}

	if err := c.Exec(ctx, containerID, []string{dojoBinPath + "/mkdir", "-p", challengeDir}); err != nil {
		return err
	}

	// The archive is rooted at the challenge directory's grandparent, so
	// entries unpack as <module>/<challenge>/... under /challenge.
	archiveRoot := filepath.Dir(filepath.Dir(root))
	base, err := Archive(archiveRoot, root, func(path string) bool {
		return isOptionDir(root, path)
	})
	if err != nil {
		return err
	}
	if err := c.PutArchive(ctx, containerID, challengeDir, base); err != nil {
		return err
	}

	options, err := OptionDirs(root)
	if err != nil {
		return err
	}
	if len(options) > 0 {
		idx := OptionIndex(i.SecretKey, asUserID, ch.ChallengeID, len(options))
		overlay, err := Archive(archiveRoot, options[idx], nil)
		if err != nil {
			return err
		}
		if err := c.PutArchive(ctx, containerID, challengeDir, overlay); err != nil {
			return err
		}
	}

	// Everything under /challenge becomes setuid root. Setuid matters on
	// the challenge binaries; on the rest the mode is benign.
	chown := []string{dojoBinPath + "/find", challengeDir + "/", "-mindepth", "1",
		"-exec", dojoBinPath + "/chown", "root:root", "{}", ";"}
	if err := c.Exec(ctx, containerID, chown); err != nil {
		return err
	}
	chmod := []string{dojoBinPath + "/find", challengeDir + "/", "-mindepth", "1",
		"-exec", dojoBinPath + "/chmod", "4755", "{}", ";"}
	return c.Exec(ctx, containerID, chmod)
}

// OptionDirs lists the option directories of a challenge: immediate
// children whose names start with "_" and are directories, sorted by path.
func OptionDirs(challengePath string) ([]string, error) {
	entries, err := os.ReadDir(challengePath)
	if err != nil {
		return nil, fmt.Errorf("failed to list challenge directory %s: %w", challengePath, err)
	}

	var options []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "_") {
			options = append(options, filepath.Join(challengePath, e.Name()))
		}
	}
	sort.Strings(options)
	return options, nil
}

// OptionIndex picks the option for a user deterministically:
// little-endian uint64 of the first 8 hash bytes, mod the option count.
func OptionIndex(secret string, asUserID, challengeID int64, n int) int {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s_%d_%d", secret, asUserID, challengeID)))
	return int(binary.LittleEndian.Uint64(h[:8]) % uint64(n))
}

func isOptionDir(challengePath, path string) bool {
	rel, err := filepath.Rel(challengePath, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return false
	}
	first := strings.Split(rel, string(filepath.Separator))[0]
	if !strings.HasPrefix(first, "_") {
		return false
	}
	info, err := os.Stat(filepath.Join(challengePath, first))
	return err == nil && info.IsDir()
}

// Archive produces a tar of dir with entry names relative to root.
// Paths for which exclude returns true are skipped along with their
// subtrees.
func Archive(root, dir string, exclude func(string) bool) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if exclude != nil && exclude(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		var link string
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}

		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}

		if info.Mode().IsRegular() {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			_, err = io.Copy(tw, f)
			f.Close()
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to archive %s: %w", dir, err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize archive of %s: %w", dir, err)
	}
	return &buf, nil
}

// Flag selects the flag body for the session: practice runs and support
// sessions get fixed non-scoring flags, everyone else gets their own
// serialized flag.
func Flag(practice, impersonating bool, userFlag string) string {
	switch {
	case practice:
		return "practice"
	case impersonating:
		return "support_flag"
	default:
		return userFlag
	}
}

// InjectFlag writes the wrapped flag line to the container's stdin.
func InjectFlag(ctx context.Context, c *engine.Client, containerID, flag string) error {
	line := fmt.Sprintf("pwn.college{%s}\n", flag)
	return c.InjectStdin(ctx, containerID, []byte(line))
}
