package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gatekit-io/gatekit-server/internal/auth"
	"github.com/gatekit-io/gatekit-server/internal/httputil"
	"github.com/gatekit-io/gatekit-server/internal/project"
)

// ProjectHandler serves project CRUD.
type ProjectHandler struct {
	projects project.Repository
	roles    *project.RoleResolver
	log      zerolog.Logger
}

// NewProjectHandler creates a new project handler.
func NewProjectHandler(projects project.Repository, roles *project.RoleResolver, logger zerolog.Logger) *ProjectHandler {
	return &ProjectHandler{projects: projects, roles: roles, log: logger}
}

type createProjectRequest struct {
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	Environment string `json:"environment"`
	IsDefault   bool   `json:"isDefault"`
}

type updateProjectRequest struct {
	Name        *string `json:"name"`
	Environment *string `json:"environment"`
}

type projectModel struct {
	ID          uuid.UUID `json:"id"`
	Slug        string    `json:"slug"`
	Name        string    `json:"name"`
	Environment string    `json:"environment"`
	OwnerID     uuid.UUID `json:"ownerId"`
	IsDefault   bool      `json:"isDefault"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func toProjectModel(p *project.Project) projectModel {
	return projectModel{
		ID:          p.ID,
		Slug:        p.Slug,
		Name:        p.Name,
		Environment: p.Environment,
		OwnerID:     p.OwnerID,
		IsDefault:   p.IsDefault,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

// Create handles POST /api/v1/projects. Projects belong to users, so only JWT principals may
// create them; an API key is already confined to the project it was minted in.
func (h *ProjectHandler) Create(c fiber.Ctx) error {
	p := auth.PrincipalFromContext(c)
	if p.Kind != auth.KindJWT {
		return httputil.Fail(c, fiber.StatusForbidden, httputil.CodeInsufficientScope, "A user token is required to create projects")
	}

	var body createProjectRequest
	if err := c.Bind().Body(&body); err != nil {
		return failInvalidBody(c)
	}

	env := body.Environment
	if env == "" {
		env = project.EnvDevelopment
	}
	name := body.Name
	if err := project.ValidateName(&name); err != nil {
		return h.mapProjectError(c, err)
	}
	if err := project.ValidateSlug(body.Slug); err != nil {
		return h.mapProjectError(c, err)
	}
	if !project.ValidEnvironment(env) {
		return h.mapProjectError(c, project.ErrInvalidEnvironment)
	}

	proj, err := h.projects.Create(c, project.CreateParams{
		Slug:        body.Slug,
		Name:        name,
		Environment: env,
		OwnerID:     p.UserID,
		IsDefault:   body.IsDefault,
	})
	if err != nil {
		return h.mapProjectError(c, err)
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, toProjectModel(proj))
}

// List handles GET /api/v1/projects. A JWT principal sees every project it belongs to; an API-key
// principal sees only its own.
func (h *ProjectHandler) List(c fiber.Ctx) error {
	p := auth.PrincipalFromContext(c)

	if p.Kind == auth.KindAPIKey {
		proj, err := h.projects.GetByID(c, p.ProjectID)
		if err != nil {
			if errors.Is(err, project.ErrNotFound) {
				return httputil.Success(c, []projectModel{})
			}
			return h.mapProjectError(c, err)
		}
		return httputil.Success(c, []projectModel{toProjectModel(proj)})
	}

	projects, err := h.projects.ListForUser(c, p.UserID)
	if err != nil {
		return h.mapProjectError(c, err)
	}

	result := make([]projectModel, 0, len(projects))
	for i := range projects {
		result = append(result, toProjectModel(&projects[i]))
	}
	return httputil.Success(c, result)
}

// Get handles GET /api/v1/projects/:project. Access and resolution happen in middleware; by the
// time we run, the project is on the request context.
func (h *ProjectHandler) Get(c fiber.Ctx) error {
	proj := auth.ProjectFromContext(c)
	if proj == nil {
		return failInternal(c)
	}
	return httputil.Success(c, toProjectModel(proj))
}

// Update handles PATCH /api/v1/projects/:project. The slug is immutable; it is the stable handle
// baked into integrator URLs.
func (h *ProjectHandler) Update(c fiber.Ctx) error {
	proj := auth.ProjectFromContext(c)
	if proj == nil {
		return failInternal(c)
	}

	var body updateProjectRequest
	if err := c.Bind().Body(&body); err != nil {
		return failInvalidBody(c)
	}
	if err := project.ValidateName(body.Name); err != nil {
		return h.mapProjectError(c, err)
	}
	if body.Environment != nil && !project.ValidEnvironment(*body.Environment) {
		return h.mapProjectError(c, project.ErrInvalidEnvironment)
	}

	updated, err := h.projects.Update(c, proj.ID, project.UpdateParams{
		Name:        body.Name,
		Environment: body.Environment,
	})
	if err != nil {
		return h.mapProjectError(c, err)
	}

	return httputil.Success(c, toProjectModel(updated))
}

// Delete handles DELETE /api/v1/projects/:project.
func (h *ProjectHandler) Delete(c fiber.Ctx) error {
	proj := auth.ProjectFromContext(c)
	if proj == nil {
		return failInternal(c)
	}

	if err := h.projects.Delete(c, proj.ID); err != nil {
		return h.mapProjectError(c, err)
	}
	h.roles.InvalidateProject(c, proj.ID)

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *ProjectHandler) mapProjectError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, project.ErrSlugFormat),
		errors.Is(err, project.ErrNameLength),
		errors.Is(err, project.ErrInvalidEnvironment):
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, err.Error())
	case errors.Is(err, project.ErrSlugTaken):
		return httputil.Fail(c, fiber.StatusConflict, httputil.CodeConflict, err.Error())
	case errors.Is(err, project.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeNotFound, "Project not found")
	default:
		h.log.Error().Err(err).Str("handler", "project").Msg("unhandled project repository error")
		return failInternal(c)
	}
}
