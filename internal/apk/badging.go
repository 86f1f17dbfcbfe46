// Copyright (C) 2025 Oblako Labs
// License: AGPL-3.0-only

package apk

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
)

// Identity is what an inspector reads out of an artifact.
type Identity struct {
	Package     string
	VersionName string
	VersionCode int64
}

// Badging inspects an artifact for its declared identity.
type Badging interface {
	// Inspect returns the identity declared inside the artifact at path.
	Inspect(ctx context.Context, path string) (Identity, error)
}

// ErrNoInspector is returned when no badging tool is installed. Callers
// degrade to name heuristics instead of failing the run.
var ErrNoInspector = errors.New("no badging inspector available")

var badgingLine = regexp.MustCompile(`package: name='([^']+)' versionCode='([0-9]+)' versionName='([^']*)'`)

// aaptBadging shells out to an aapt binary for `dump badging`.
type aaptBadging struct {
	bin string
}

func (b aaptBadging) Inspect(ctx context.Context, path string) (Identity, error) {
	out, err := exec.CommandContext(ctx, b.bin, "dump", "badging", path).Output()
	if err != nil {
		return Identity{}, fmt.Errorf("%s dump badging %s: %w", b.bin, path, err)
	}
	m := badgingLine.FindSubmatch(out)
	if m == nil {
		return Identity{}, fmt.Errorf("%s dump badging %s: no package line in output", b.bin, path)
	}
	code, err := strconv.ParseInt(string(m[2]), 10, 64)
	if err != nil {
		return Identity{}, fmt.Errorf("%s dump badging %s: bad versionCode %q", b.bin, path, m[2])
	}
	return Identity{
		Package:     string(m[1]),
		VersionCode: code,
		VersionName: string(m[3]),
	}, nil
}

// noInspector reports ErrNoInspector for every artifact.
type noInspector struct{}

func (noInspector) Inspect(context.Context, string) (Identity, error) {
	return Identity{}, ErrNoInspector
}

// NewBadging returns a Badging backed by the first binary in bins that
// resolves on PATH. With none resolvable the returned inspector fails every
// Inspect with ErrNoInspector, which downstream treats as a soft miss.
func NewBadging(bins ...string) Badging {
	for _, bin := range bins {
		if bin == "" {
			continue
		}
		if resolved, err := exec.LookPath(bin); err == nil {
			return aaptBadging{bin: resolved}
		}
	}
	return noInspector{}
}

// ExtractIdentity runs b over path and keeps the result only when the
// declared package passes the identity check. The boolean reports whether a
// usable identity came back.
func ExtractIdentity(ctx context.Context, b Badging, path string) (Identity, bool) {
	if b == nil {
		return Identity{}, false
	}
	id, err := b.Inspect(ctx, path)
	if err != nil {
		return Identity{}, false
	}
	if !IsValidPackageIdentity(id.Package) {
		return Identity{}, false
	}
	return id, true
}
