// Package forward turns an inbound stream key into the push directives the
// media server applies to relay the stream. Resolution prefers a streaming
// session snapshot, falls back to the source tables, and finally to legacy
// account-level keys; all three paths feed one directive builder so the
// emitted configuration is identical regardless of how the key resolved.
package forward

import (
	"errors"
	"fmt"
	"strings"

	"neustream/internal/models"
	"neustream/internal/session"
	"neustream/internal/storage"
)

// Via identifies which lookup path resolved a stream key.
type Via string

const (
	ViaSession Via = "session"
	ViaSource  Via = "source"
	ViaLegacy  Via = "legacy"
)

// ErrUnknownKey is returned when no session, source, or legacy key matches.
var ErrUnknownKey = errors.New("forward: unknown stream key")

// Resolution is the forwarding configuration for one stream key.
type Resolution struct {
	Via        Via
	UserID     string
	SourceID   *string
	SourceName string
	Targets    []session.ForwardTarget
	Directives []string
}

// Resolver resolves stream keys against the session store and repository.
type Resolver struct {
	repo     storage.Repository
	sessions session.Store
}

// NewResolver constructs a resolver. The session store may be nil, which
// disables the fast path.
func NewResolver(repo storage.Repository, sessions session.Store) *Resolver {
	return &Resolver{repo: repo, sessions: sessions}
}

// Resolve maps a stream key to push directives.
func (r *Resolver) Resolve(streamKey string) (Resolution, error) {
	if streamKey == "" {
		return Resolution{}, ErrUnknownKey
	}

	if r.sessions != nil {
		sess, ok, err := r.sessions.GetByStreamKey(streamKey)
		if err != nil {
			return Resolution{}, fmt.Errorf("session lookup: %w", err)
		}
		if ok {
			if grant, covered := sess.Keys[streamKey]; covered {
				return Resolution{
					Via:        ViaSession,
					UserID:     sess.UserID,
					SourceID:   grant.SourceID,
					SourceName: grant.SourceName,
					Targets:    grant.Targets,
					Directives: directivesFromTargets(grant.Targets),
				}, nil
			}
		}
	}

	if source, ok := r.repo.FindSourceByStreamKey(streamKey); ok && source.Active {
		targets := targetsFromDestinations(r.repo.ListDestinations(source.ID))
		return Resolution{
			Via:        ViaSource,
			UserID:     source.UserID,
			SourceID:   &source.ID,
			SourceName: source.Name,
			Targets:    targets,
			Directives: directivesFromTargets(targets),
		}, nil
	}

	if user, ok := r.repo.FindUserByStreamKey(streamKey); ok {
		targets := targetsFromDestinations(r.repo.ListUserDestinations(user.ID))
		return Resolution{
			Via:        ViaLegacy,
			UserID:     user.ID,
			Targets:    targets,
			Directives: directivesFromTargets(targets),
		}, nil
	}

	return Resolution{}, ErrUnknownKey
}

// SnapshotGrants builds the key-grant map a streaming session captures at
// creation: one grant per active source plus the legacy account key. The
// grants embed the same destinations the slow path would resolve, so a
// session lookup and a table lookup produce identical directives.
func SnapshotGrants(repo storage.Repository, user models.User) map[string]session.KeyGrant {
	grants := make(map[string]session.KeyGrant)
	for _, src := range repo.ListSources(user.ID) {
		if !src.Active {
			continue
		}
		id := src.ID
		grants[src.StreamKey] = session.KeyGrant{
			SourceID:   &id,
			SourceName: src.Name,
			Targets:    targetsFromDestinations(repo.ListDestinations(src.ID)),
		}
	}
	if user.StreamKey != "" {
		if _, taken := grants[user.StreamKey]; !taken {
			grants[user.StreamKey] = session.KeyGrant{
				Targets: targetsFromDestinations(repo.ListUserDestinations(user.ID)),
			}
		}
	}
	return grants
}

// Directive renders one push instruction for the media server.
func Directive(rtmpURL, streamKey string) string {
	return fmt.Sprintf("push %s/%s", strings.TrimRight(rtmpURL, "/"), streamKey)
}

func targetsFromDestinations(dests []models.Destination) []session.ForwardTarget {
	var targets []session.ForwardTarget
	for _, dest := range dests {
		if !dest.Active {
			continue
		}
		targets = append(targets, session.ForwardTarget{
			Platform:  dest.Platform,
			RTMPURL:   dest.RTMPURL,
			StreamKey: dest.StreamKey,
		})
	}
	return targets
}

func directivesFromTargets(targets []session.ForwardTarget) []string {
	directives := make([]string, 0, len(targets))
	for _, target := range targets {
		directives = append(directives, Directive(target.RTMPURL, target.StreamKey))
	}
	return directives
}
