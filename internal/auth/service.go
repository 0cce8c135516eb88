package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gatekit-io/gatekit-server/internal/config"
	"github.com/gatekit-io/gatekit-server/internal/invite"
	"github.com/gatekit-io/gatekit-server/internal/project"
	"github.com/gatekit-io/gatekit-server/internal/scope"
	"github.com/gatekit-io/gatekit-server/internal/user"
)

// staticDummyHash is the fallback timing decoy if hashing the dummy password fails at startup.
const staticDummyHash = "$argon2id$v=19$m=65536,t=3,p=2$c2FsdHNhbHRzYWx0$placeholder"

// emailBlocklist reports whether an email domain belongs to a disposable mail provider.
// *disposable.Blocklist satisfies it; a nil blocklist disables the check.
type emailBlocklist interface {
	IsBlocked(ctx context.Context, domain string) (bool, error)
}

// Service implements signup, login, and invite acceptance, keeping HTTP handlers thin and
// focused on request parsing / response formatting.
type Service struct {
	users      user.Repository
	projects   project.Repository
	invites    invite.Repository
	blocklist  emailBlocklist
	config     *config.Config
	log        zerolog.Logger
	hashParams HashParams
	// dummyHash is a precomputed argon2id hash used to keep login timing constant when a user is
	// not found, preventing email enumeration via response-time analysis.
	dummyHash string
}

// NewService creates a new authentication service. blocklist may be nil.
func NewService(users user.Repository, projects project.Repository, invites invite.Repository, blocklist emailBlocklist, cfg *config.Config, logger zerolog.Logger) *Service {
	params := ParamsFromConfig(cfg)
	// Generate a dummy hash at startup so VerifyPassword always runs against a real argon2id
	// hash even when the user does not exist.
	dummy, err := HashPassword("gatekit-dummy-password", params)
	if err != nil {
		dummy = staticDummyHash
	}
	return &Service{
		users:      users,
		projects:   projects,
		invites:    invites,
		blocklist:  blocklist,
		config:     cfg,
		log:        logger,
		hashParams: params,
		dummyHash:  dummy,
	}
}

// SignupRequest is the input for Service.Signup.
type SignupRequest struct {
	Email    string
	Password string
	Name     *string
}

// LoginRequest is the input for Service.Login.
type LoginRequest struct {
	Email    string
	Password string
}

// AcceptInviteRequest is the input for Service.AcceptInvite.
type AcceptInviteRequest struct {
	Token    string
	Password string
	Name     *string
}

// AuthResult is the output for Signup, Login, and AcceptInvite. Project is only set by Signup
// and holds the auto-created default project.
type AuthResult struct {
	User        *user.User
	Project     *project.Project
	AccessToken string
}

// Signup validates inputs, creates the user and their default project, and returns an access
// token.
func (s *Service) Signup(ctx context.Context, req SignupRequest) (*AuthResult, error) {
	if !s.config.JWTConfigured() {
		return nil, ErrLoginDisabled
	}

	email, err := ValidateEmail(req.Email)
	if err != nil {
		return nil, err
	}
	if err := s.checkEmailDomain(ctx, email); err != nil {
		return nil, err
	}
	if err := ValidatePassword(req.Password); err != nil {
		return nil, err
	}
	if err := user.ValidateDisplayName(req.Name); err != nil {
		return nil, err
	}

	hash, err := HashPassword(req.Password, s.hashParams)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	u, err := s.users.Create(ctx, user.CreateParams{
		Email:        email,
		PasswordHash: hash,
		DisplayName:  req.Name,
	})
	if err != nil {
		if errors.Is(err, user.ErrAlreadyExists) {
			return nil, ErrEmailAlreadyTaken
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	proj := s.createDefaultProject(ctx, u.ID)

	s.log.Debug().Str("user_id", u.ID.String()).Msg("User signed up")

	token, err := s.issueToken(u.ID, u.Email)
	if err != nil {
		return nil, err
	}

	return &AuthResult{User: u, Project: proj, AccessToken: token}, nil
}

// Login verifies credentials and returns an access token. Unknown email and wrong password are
// indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*AuthResult, error) {
	if !s.config.JWTConfigured() {
		return nil, ErrLoginDisabled
	}

	email, err := ValidateEmail(req.Email)
	if err != nil {
		return nil, err
	}

	creds, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			// Hash against a dummy value to prevent timing-based email enumeration. Without this,
			// "user not found" returns faster than "wrong password" because argon2id is skipped.
			_, _ = VerifyPassword(req.Password, s.dummyHash)
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	match, err := VerifyPassword(req.Password, creds.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("verify password: %w", err)
	}
	if !match {
		return nil, ErrInvalidCredentials
	}

	s.rotateHashIfStale(ctx, creds, req.Password)

	token, err := s.issueToken(creds.ID, creds.Email)
	if err != nil {
		return nil, err
	}

	return &AuthResult{User: &creds.User, AccessToken: token}, nil
}

// AcceptInvite consumes a pending invite, creating the user when the invited email is new and
// verifying the password when it is not, then adds the membership and returns an access token.
func (s *Service) AcceptInvite(ctx context.Context, req AcceptInviteRequest) (*AuthResult, error) {
	if !s.config.JWTConfigured() {
		return nil, ErrLoginDisabled
	}

	inv, err := s.invites.GetByToken(ctx, req.Token)
	if err != nil {
		return nil, err
	}
	// Reject dead invites before touching the users table so no account is created for them.
	switch inv.Status(time.Now()) {
	case invite.StatusExpired:
		return nil, invite.ErrExpired
	case invite.StatusUsed:
		return nil, invite.ErrAlreadyUsed
	}

	var u *user.User
	creds, err := s.users.GetByEmail(ctx, inv.Email)
	switch {
	case err == nil:
		// Existing account: the caller must prove they own it before the membership is attached.
		match, verifyErr := VerifyPassword(req.Password, creds.PasswordHash)
		if verifyErr != nil {
			return nil, fmt.Errorf("verify password: %w", verifyErr)
		}
		if !match {
			return nil, ErrInvalidCredentials
		}
		u = &creds.User
	case errors.Is(err, user.ErrNotFound):
		if err := ValidatePassword(req.Password); err != nil {
			return nil, err
		}
		if err := user.ValidateDisplayName(req.Name); err != nil {
			return nil, err
		}
		hash, err := HashPassword(req.Password, s.hashParams)
		if err != nil {
			return nil, fmt.Errorf("hash password: %w", err)
		}
		u, err = s.users.Create(ctx, user.CreateParams{
			Email:        inv.Email,
			PasswordHash: hash,
			DisplayName:  req.Name,
		})
		if err != nil {
			return nil, fmt.Errorf("create user: %w", err)
		}
	default:
		return nil, fmt.Errorf("get user: %w", err)
	}

	if _, err := s.invites.Accept(ctx, req.Token, u.ID); err != nil {
		return nil, err
	}

	s.log.Debug().
		Str("user_id", u.ID.String()).
		Str("project_id", inv.ProjectID.String()).
		Msg("Invite accepted")

	token, err := s.issueToken(u.ID, u.Email)
	if err != nil {
		return nil, err
	}

	return &AuthResult{User: u, AccessToken: token}, nil
}

// checkEmailDomain rejects signups from disposable email domains. A blocklist that cannot be
// loaded fails open: signup proceeds and the failure is logged.
func (s *Service) checkEmailDomain(ctx context.Context, email string) error {
	if s.blocklist == nil {
		return nil
	}
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return nil
	}
	blocked, err := s.blocklist.IsBlocked(ctx, email[at+1:])
	if err != nil {
		s.log.Warn().Err(err).Msg("Disposable email check failed; allowing signup")
		return nil
	}
	if blocked {
		return ErrEmailBlocked
	}
	return nil
}

// createDefaultProject provisions the starter project for a fresh account. Signup still succeeds
// if this fails; the user can create projects explicitly.
func (s *Service) createDefaultProject(ctx context.Context, ownerID uuid.UUID) *project.Project {
	params := project.CreateParams{
		Slug:        project.DefaultSlug(),
		Name:        "Default Project",
		Environment: project.EnvDevelopment,
		OwnerID:     ownerID,
		IsDefault:   true,
	}
	proj, err := s.projects.Create(ctx, params)
	if errors.Is(err, project.ErrSlugTaken) {
		params.Slug = project.DefaultSlug()
		proj, err = s.projects.Create(ctx, params)
	}
	if err != nil {
		s.log.Error().Err(err).Str("user_id", ownerID.String()).Msg("Failed to create default project")
		return nil
	}
	return proj
}

// rotateHashIfStale rehashes the verified password with current parameters when the stored hash
// was generated with older settings. Best-effort; login proceeds either way.
func (s *Service) rotateHashIfStale(ctx context.Context, creds *user.Credentials, password string) {
	if !NeedsRehash(creds.PasswordHash, s.hashParams) {
		return
	}
	newHash, err := HashPassword(password, s.hashParams)
	if err != nil {
		return
	}
	if err := s.users.UpdatePasswordHash(ctx, creds.ID, newHash); err != nil {
		s.log.Warn().Err(err).Str("user_id", creds.ID.String()).Msg("Failed to rotate password hash")
		return
	}
	s.log.Debug().Str("user_id", creds.ID.String()).Msg("Password hash rotated to current parameters")
}

func (s *Service) issueToken(userID uuid.UUID, email string) (string, error) {
	token, err := NewAccessToken(userID, email, fullScopes(), s.config.JWTSecret, s.config.JWTAccessTTL, s.config.JWTIssuer)
	if err != nil {
		return "", fmt.Errorf("create access token: %w", err)
	}
	return token, nil
}

// fullScopes returns the scope vocabulary as claim strings. Dashboard tokens carry every scope;
// per-project authority is governed by the membership role guard.
func fullScopes() []string {
	all := scope.All()
	out := make([]string, len(all))
	for i, s := range all {
		out[i] = string(s)
	}
	return out
}
