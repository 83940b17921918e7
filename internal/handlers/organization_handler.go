package handlers

import (
	"context"
	"strings"

	"chirp/internal/api/middleware"
	"chirp/internal/api/response"
	"chirp/internal/models"
	"chirp/internal/services"

	"github.com/labstack/echo/v4"
)

// OrganizationService is what the organization endpoints need.
type OrganizationService interface {
	Overview(ctx context.Context, id string) (*services.Overview, error)
	Update(ctx context.Context, id string, in services.OrganizationSettings) (*models.Organization, error)
	ChangePlan(ctx context.Context, id string, plan models.PlanTier) (*services.Overview, error)
}

type OrganizationHandler struct {
	orgs OrganizationService
}

func NewOrganizationHandler(orgs OrganizationService) *OrganizationHandler {
	return &OrganizationHandler{orgs: orgs}
}

type changePlanRequest struct {
	Plan string `json:"plan" validate:"required"`
}

// Get returns the caller's organization with plan limits and usage.
// @Summary Get organization
// @Tags organization
// @Produce json
// @Success 200 {object} services.Overview
// @Router /organization [get]
func (h *OrganizationHandler) Get(c echo.Context) error {
	overview, err := h.orgs.Overview(c.Request().Context(), middleware.GetOrganizationID(c))
	if err != nil {
		return serviceError(err, "Organization")
	}
	return response.OK(c, overview)
}

// Update changes the organization name or default phone region.
// @Summary Update organization settings
// @Tags organization
// @Accept json
// @Produce json
// @Param request body services.OrganizationSettings true "Settings"
// @Success 200 {object} models.Organization
// @Router /organization [patch]
func (h *OrganizationHandler) Update(c echo.Context) error {
	var req services.OrganizationSettings
	if err := bind(c, &req); err != nil {
		return err
	}
	org, err := h.orgs.Update(c.Request().Context(), middleware.GetOrganizationID(c), req)
	if err != nil {
		return serviceError(err, "Organization")
	}
	return response.OK(c, org)
}

// ChangePlan switches the plan tier. Downgrades below current usage are
// rejected with 409.
// @Summary Change plan
// @Tags organization
// @Accept json
// @Produce json
// @Param request body changePlanRequest true "Target plan"
// @Success 200 {object} services.Overview
// @Failure 409 {object} response.AppError
// @Router /organization/plan [put]
func (h *OrganizationHandler) ChangePlan(c echo.Context) error {
	var req changePlanRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	plan := models.PlanTier(strings.ToUpper(strings.TrimSpace(req.Plan)))
	if !plan.Valid() {
		return response.Validation("Unknown plan", []response.FieldError{{Field: "plan", Message: "must be one of: FREE, STARTER, PRO, ENTERPRISE", Value: req.Plan}})
	}
	overview, err := h.orgs.ChangePlan(c.Request().Context(), middleware.GetOrganizationID(c), plan)
	if err != nil {
		return serviceError(err, "Organization")
	}
	return response.OK(c, overview)
}
