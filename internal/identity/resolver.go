// Package identity resolves incoming identifier sets to a single project
// user, creating, enriching or merging users as needed.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/exparo/exparo/internal/store"
)

// ErrNoIdentifier is returned when a request carries no usable identifier.
var ErrNoIdentifier = errors.New("at least one identifier is required")

// Input is the identifying and descriptive data supplied by a client.
// UserID, DeviceID, Email and ExternalID are the identifier disjuncts;
// the rest is profile data applied to whichever user wins resolution.
type Input struct {
	UserID     uuid.UUID
	DeviceID   string
	Email      string
	ExternalID string

	CurrentURL string
	OS         string
	OSVersion  string
	DeviceType string

	Properties map[string]any
}

func (in Input) query() store.UserQuery {
	return store.UserQuery{
		ID:         in.UserID,
		DeviceID:   in.DeviceID,
		Email:      in.Email,
		ExternalID: in.ExternalID,
	}
}

// Resolver implements identify semantics on top of a Store.
type Resolver struct {
	store store.Store
	log   zerolog.Logger
}

// NewResolver creates a resolver.
func NewResolver(s store.Store, log zerolog.Logger) *Resolver {
	return &Resolver{store: s, log: log.With().Str("component", "identity").Logger()}
}

// Resolve maps the input to exactly one user within the project. Zero
// matches creates a user, one match enriches it, two or more matches
// merge into the oldest. The whole operation runs in one transaction.
func (r *Resolver) Resolve(ctx context.Context, projectID uuid.UUID, in Input) (store.User, error) {
	if in.query().Empty() {
		return store.User{}, ErrNoIdentifier
	}

	var resolved store.User
	err := r.store.Transact(ctx, func(tx store.Store) error {
		matches, err := tx.FindUsers(ctx, projectID, in.query())
		if err != nil {
			return fmt.Errorf("find users: %w", err)
		}

		switch len(matches) {
		case 0:
			resolved, err = r.create(ctx, tx, projectID, in)
		case 1:
			resolved, err = r.enrich(ctx, tx, matches[0], in)
		default:
			resolved, err = r.merge(ctx, tx, matches, in)
		}
		return err
	})
	if err != nil {
		return store.User{}, err
	}
	return resolved, nil
}

func (r *Resolver) create(ctx context.Context, tx store.Store, projectID uuid.UUID, in Input) (store.User, error) {
	u := store.User{
		ProjectID:  projectID,
		DeviceID:   in.DeviceID,
		Email:      in.Email,
		ExternalID: in.ExternalID,
		Properties: map[string]any{},
	}
	applyProfile(&u, in)
	created, err := tx.CreateUser(ctx, u)
	if err != nil {
		return store.User{}, fmt.Errorf("create user: %w", err)
	}
	r.log.Debug().Str("user_id", created.ID.String()).Msg("created user")
	return created, nil
}

// enrich fills unset identifiers from the input and applies profile data.
// Identifiers already set on the user are never overwritten.
func (r *Resolver) enrich(ctx context.Context, tx store.Store, u store.User, in Input) (store.User, error) {
	if u.DeviceID == "" {
		u.DeviceID = in.DeviceID
	}
	if u.Email == "" {
		u.Email = in.Email
	}
	if u.ExternalID == "" {
		u.ExternalID = in.ExternalID
	}
	applyProfile(&u, in)
	updated, err := tx.UpdateUser(ctx, u)
	if err != nil {
		return store.User{}, fmt.Errorf("enrich user: %w", err)
	}
	return updated, nil
}

// merge collapses all matched users into the one with the earliest
// first_seen (smallest id on ties). Identifiers and latest-seen
// metadata unset on the primary are filled from the merged-away users;
// the primary keeps its own property values on conflicts. The others
// are deleted along with their distributions. The input is applied to
// the survivor last.
func (r *Resolver) merge(ctx context.Context, tx store.Store, matches []store.User, in Input) (store.User, error) {
	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].FirstSeen.Equal(matches[j].FirstSeen) {
			return matches[i].FirstSeen.Before(matches[j].FirstSeen)
		}
		return matches[i].ID.String() < matches[j].ID.String()
	})
	primary := matches[0]
	if primary.Properties == nil {
		primary.Properties = map[string]any{}
	}

	for _, other := range matches[1:] {
		if primary.DeviceID == "" {
			primary.DeviceID = other.DeviceID
		}
		if primary.Email == "" {
			primary.Email = other.Email
		}
		if primary.ExternalID == "" {
			primary.ExternalID = other.ExternalID
		}
		if primary.LatestURL == "" {
			primary.LatestURL = other.LatestURL
		}
		if primary.LatestOS == "" {
			primary.LatestOS = other.LatestOS
		}
		if primary.LatestOSVersion == "" {
			primary.LatestOSVersion = other.LatestOSVersion
		}
		if primary.LatestDeviceType == "" {
			primary.LatestDeviceType = other.LatestDeviceType
		}
		for k, v := range other.Properties {
			if _, taken := primary.Properties[k]; !taken {
				primary.Properties[k] = v
			}
		}
		if err := tx.DeleteUser(ctx, other.ID); err != nil {
			return store.User{}, fmt.Errorf("delete merged user: %w", err)
		}
		r.log.Info().
			Str("primary_id", primary.ID.String()).
			Str("merged_id", other.ID.String()).
			Msg("merged users")
	}

	return r.enrich(ctx, tx, primary, in)
}

// applyProfile overwrites latest-seen metadata with whatever the input
// carries and merges properties with the input winning conflicts.
func applyProfile(u *store.User, in Input) {
	if in.CurrentURL != "" {
		u.LatestURL = in.CurrentURL
	}
	if in.OS != "" {
		u.LatestOS = in.OS
	}
	if in.OSVersion != "" {
		u.LatestOSVersion = in.OSVersion
	}
	if in.DeviceType != "" {
		u.LatestDeviceType = in.DeviceType
	}
	if len(in.Properties) > 0 {
		if u.Properties == nil {
			u.Properties = map[string]any{}
		}
		for k, v := range in.Properties {
			u.Properties[k] = v
		}
	}
}
