package tunnel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/postalsys/bzconnect/internal/api"
)

// HostPrefix may precede the target in an ssh_config Host alias.
const HostPrefix = "bzero-"

var (
	// ErrInvalidHostSpecifier is returned for hosts not of the form user@target.
	ErrInvalidHostSpecifier = errors.New("invalid host specifier, expected user@target")

	// ErrTargetNotFound is returned when no target matches.
	ErrTargetNotFound = errors.New("target not found")

	// ErrAmbiguousTargetName is returned when several targets share a name.
	ErrAmbiguousTargetName = errors.New("multiple targets share this name, use the target id instead")

	// ErrTargetOffline is returned when the resolved target is not online.
	ErrTargetOffline = errors.New("target is offline")
)

// Host is a parsed user@target specifier.
type Host struct {
	User   string
	Target string // id or name
}

func (h Host) String() string {
	return h.User + "@" + h.Target
}

// ParseHost parses "user@target". The target may carry HostPrefix.
func ParseHost(s string) (Host, error) {
	user, target, ok := strings.Cut(strings.TrimSpace(s), "@")
	if !ok || user == "" || target == "" || strings.Contains(target, "@") {
		return Host{}, fmt.Errorf("%w: %q", ErrInvalidHostSpecifier, s)
	}

	target = strings.TrimPrefix(target, HostPrefix)
	if target == "" {
		return Host{}, fmt.Errorf("%w: %q", ErrInvalidHostSpecifier, s)
	}
	return Host{User: user, Target: target}, nil
}

// Resolver looks up targets.
type Resolver interface {
	GetTarget(ctx context.Context, id string) (*api.Target, error)
	ListTargets(ctx context.Context) ([]api.Target, error)
}

// ResolveTarget finds a target by id when ref is a UUID, otherwise by
// exact name. A name shared by several targets is an error; one is never
// picked silently.
func ResolveTarget(ctx context.Context, r Resolver, ref string) (*api.Target, error) {
	if _, err := uuid.Parse(ref); err == nil {
		t, err := r.GetTarget(ctx, ref)
		if errors.Is(err, api.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTargetNotFound, ref)
		}
		if err != nil {
			return nil, err
		}
		return t, nil
	}

	targets, err := r.ListTargets(ctx)
	if err != nil {
		return nil, err
	}

	var matches []api.Target
	for _, t := range targets {
		if t.Name == ref {
			matches = append(matches, t)
		}
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrTargetNotFound, ref)
	case 1:
		return &matches[0], nil
	default:
		ids := make([]string, len(matches))
		for i, t := range matches {
			ids[i] = t.ID
		}
		return nil, fmt.Errorf("%w: %s (%s)", ErrAmbiguousTargetName, ref, strings.Join(ids, ", "))
	}
}
