package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Resolver maps provider user tuples to identities, creating them on first sight.
type Resolver struct {
	repo Repository
	log  zerolog.Logger
}

// NewResolver creates a new identity resolver.
func NewResolver(repo Repository, logger zerolog.Logger) *Resolver {
	return &Resolver{repo: repo, log: logger}
}

// Resolve returns the identity linked to (platformConfigID, providerUserID), creating a new
// identity and an automatic alias when none exists. Concurrent resolvers for the same tuple
// converge on one identity: the loser of the alias insert race discards its identity and
// adopts the winner's.
func (r *Resolver) Resolve(ctx context.Context, projectID, platformConfigID uuid.UUID, platform, providerUserID string, display *string) (uuid.UUID, error) {
	display = SanitizeDisplayName(display)

	alias, err := r.repo.GetAliasByProvider(ctx, platformConfigID, providerUserID)
	if err == nil {
		return alias.IdentityID, nil
	}
	if !errors.Is(err, ErrAliasNotFound) {
		return uuid.Nil, fmt.Errorf("look up alias: %w", err)
	}

	ident, err := r.repo.Create(ctx, CreateParams{ProjectID: projectID, DisplayName: display})
	if err != nil {
		return uuid.Nil, fmt.Errorf("create identity: %w", err)
	}

	_, err = r.repo.AddAlias(ctx, projectID, ident.ID, AddAliasParams{
		PlatformConfigID:    platformConfigID,
		Platform:            platform,
		ProviderUserID:      providerUserID,
		ProviderUserDisplay: display,
		LinkMethod:          LinkAutomatic,
	})
	if err == nil {
		r.log.Debug().
			Str("identity_id", ident.ID.String()).
			Str("platform", platform).
			Str("provider_user_id", providerUserID).
			Msg("identity created")
		return ident.ID, nil
	}
	if !errors.Is(err, ErrAliasTaken) {
		return uuid.Nil, fmt.Errorf("link alias: %w", err)
	}

	// Another resolver linked this tuple between our lookup and insert. Drop the identity
	// we just created and return the winner's.
	if delErr := r.repo.Delete(ctx, projectID, ident.ID); delErr != nil {
		r.log.Warn().Err(delErr).
			Str("identity_id", ident.ID.String()).
			Msg("failed to discard identity after lost alias race")
	}

	alias, err = r.repo.GetAliasByProvider(ctx, platformConfigID, providerUserID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("look up alias after race: %w", err)
	}
	return alias.IdentityID, nil
}
