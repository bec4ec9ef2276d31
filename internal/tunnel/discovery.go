package tunnel

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
)

// DefaultName is the bare command name tried on PATH after the candidates.
const DefaultName = "cloudflared"

// ErrUnavailable means no tunnel executable exists on this host. It is not a
// failure of the application: the server stays reachable locally.
var ErrUnavailable = errors.New("tunnel executable not found")

// DefaultCandidates lists the install locations of the common package
// managers for goos, most specific first.
func DefaultCandidates(goos string) []string {
	switch goos {
	case "darwin":
		return []string{
			"/opt/homebrew/bin/cloudflared",
			"/usr/local/bin/cloudflared",
		}
	case "windows":
		var out []string
		for _, env := range []string{"ProgramFiles", "ProgramFiles(x86)"} {
			if base := os.Getenv(env); base != "" {
				out = append(out, filepath.Join(base, "cloudflared", "cloudflared.exe"))
			}
		}
		if local := os.Getenv("LOCALAPPDATA"); local != "" {
			out = append(out, filepath.Join(local, "Microsoft", "WinGet", "Links", "cloudflared.exe"))
		}
		if home := os.Getenv("USERPROFILE"); home != "" {
			out = append(out, filepath.Join(home, "scoop", "shims", "cloudflared.exe"))
		}
		return out
	default:
		return []string{
			"/usr/local/bin/cloudflared",
			"/usr/bin/cloudflared",
			"/snap/bin/cloudflared",
			"/home/linuxbrew/.linuxbrew/bin/cloudflared",
		}
	}
}

// Locate returns the first candidate that exists as a regular file, then the
// bare name resolved through PATH, else ErrUnavailable.
func Locate(candidates []string, name string) (string, error) {
	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	if name != "" {
		if resolved, err := exec.LookPath(name); err == nil {
			return resolved, nil
		}
	}
	return "", ErrUnavailable
}
