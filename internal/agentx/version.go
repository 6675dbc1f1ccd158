package agentx

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
)

const versionProbeTimeout = 10 * time.Second

// CheckVersion runs "<binary> --version" and, when minVersion is set,
// verifies the reported version satisfies it.
func CheckVersion(ctx context.Context, binary, minVersion string) (*semver.Version, error) {
	ctx, cancel := context.WithTimeout(ctx, versionProbeTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, binary, "--version").Output()
	if err != nil {
		return nil, fmt.Errorf("run %s --version: %w", binary, err)
	}

	v, err := ParseVersion(string(out))
	if err != nil {
		return nil, err
	}
	if minVersion == "" {
		return v, nil
	}

	constraint, err := semver.NewConstraint(">= " + minVersion)
	if err != nil {
		return nil, fmt.Errorf("parse min version %q: %w", minVersion, err)
	}
	if !constraint.Check(v) {
		return v, fmt.Errorf("%s version %s is older than required %s", binary, v, minVersion)
	}
	return v, nil
}

// ParseVersion extracts the first semver-looking token, e.g. from
// "1.0.51 (Claude Code)".
func ParseVersion(raw string) (*semver.Version, error) {
	for _, field := range strings.Fields(raw) {
		if v, err := semver.NewVersion(strings.TrimPrefix(field, "v")); err == nil {
			return v, nil
		}
	}
	return nil, fmt.Errorf("no version found in %q", strings.TrimSpace(raw))
}
