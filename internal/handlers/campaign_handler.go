package handlers

import (
	"net/http"
	"strings"
	"time"

	"chirp/internal/api/controllers"
	"chirp/internal/api/middleware"
	"chirp/internal/api/pagination"
	"chirp/internal/api/response"
	"chirp/internal/drip"
	"chirp/internal/models"
	"chirp/internal/services"

	"github.com/labstack/echo/v4"
)

// 💧 CampaignHandler serves drip campaigns, their steps, analytics and A/B tests.
type CampaignHandler struct {
	*controllers.BaseController[models.DripCampaign]
	campaigns *services.CampaignService
	plans     middleware.PlanResolver
}

var campaignResource = controllers.Resource[models.DripCampaign]{
	Name: "Campaign",
	Sorts: map[string]string{
		"createdAt": "created_at",
		"name":      "name",
	},
	DefaultSort: pagination.Sort{Field: "createdAt", Column: "created_at", Desc: true},
	Filters: map[string]string{
		"status": "status",
	},
	CursorOf: func(c models.DripCampaign, sort pagination.Sort) pagination.Cursor {
		if sort.Column == "name" {
			return pagination.Cursor{ID: c.ID, Value: c.Name}
		}
		return pagination.Cursor{ID: c.ID, Value: c.CreatedAt.UTC().Format(time.RFC3339Nano)}
	},
	// status and steps have their own endpoints
	Prepare: func(c *models.DripCampaign) {
		c.Status = ""
		c.Steps = nil
	},
}

func NewCampaignHandler(campaigns *services.CampaignService, plans middleware.PlanResolver) *CampaignHandler {
	return &CampaignHandler{
		BaseController: controllers.NewBaseController(campaigns.Campaigns(), campaignResource),
		campaigns:      campaigns,
		plans:          plans,
	}
}

// Get returns the campaign with its steps in order.
func (h *CampaignHandler) Get(c echo.Context) error {
	campaign, err := h.campaigns.Get(c.Request().Context(), middleware.GetOrganizationID(c), c.Param("id"))
	if err != nil {
		return serviceError(err, "Campaign")
	}
	return response.OK(c, campaign)
}

// Create stores a new DRAFT campaign, optionally with its steps.
// @Summary Create drip campaign
// @Accept json
// @Produce json
// @Success 201 {object} models.DripCampaign
// @Failure 403 {object} response.AppError "Plan campaign limit reached"
// @Router /api/v2/campaigns [post]
func (h *CampaignHandler) Create(c echo.Context) error {
	var campaign models.DripCampaign
	if err := bind(c, &campaign); err != nil {
		return err
	}
	for i := range campaign.Steps {
		if strings.TrimSpace(campaign.Steps[i].Body) == "" {
			return response.Validation("Validation failed", []response.FieldError{
				{Field: "steps.body", Message: "body is required"},
			})
		}
	}

	orgID := middleware.GetOrganizationID(c)
	plan, err := h.plans.OrganizationPlan(c.Request().Context(), orgID)
	if err != nil {
		return response.Internal(err)
	}
	if err := h.campaigns.Create(c.Request().Context(), orgID, plan, &campaign); err != nil {
		return serviceError(err, "Campaign")
	}
	return response.Created(c, campaign)
}

func (h *CampaignHandler) setStatus(status models.DripCampaignStatus) echo.HandlerFunc {
	return func(c echo.Context) error {
		campaign, err := h.campaigns.SetStatus(c.Request().Context(), middleware.GetOrganizationID(c), c.Param("id"), status)
		if err != nil {
			return serviceError(err, "Campaign")
		}
		return response.OK(c, campaign)
	}
}

func (h *CampaignHandler) Activate(c echo.Context) error {
	return h.setStatus(models.DripCampaignStatusActive)(c)
}

func (h *CampaignHandler) Pause(c echo.Context) error {
	return h.setStatus(models.DripCampaignStatusPaused)(c)
}

func (h *CampaignHandler) Archive(c echo.Context) error {
	return h.setStatus(models.DripCampaignStatusArchived)(c)
}

func (h *CampaignHandler) AddStep(c echo.Context) error {
	var step models.DripStep
	if err := c.Bind(&step); err != nil {
		return response.BadRequest("Invalid request body")
	}
	step.CampaignID = c.Param("id")
	if err := c.Validate(&step); err != nil {
		return err
	}
	if err := h.campaigns.AddStep(c.Request().Context(), middleware.GetOrganizationID(c), c.Param("id"), &step); err != nil {
		return serviceError(err, "Campaign")
	}
	return response.Created(c, step)
}

func (h *CampaignHandler) UpdateStep(c echo.Context) error {
	var step models.DripStep
	if err := c.Bind(&step); err != nil {
		return response.BadRequest("Invalid request body")
	}
	step.CampaignID = c.Param("id")
	if err := c.Validate(&step); err != nil {
		return err
	}
	updated, err := h.campaigns.UpdateStep(c.Request().Context(), middleware.GetOrganizationID(c), c.Param("id"), c.Param("stepId"), &step)
	if err != nil {
		return serviceError(err, "Step")
	}
	return response.OK(c, updated)
}

func (h *CampaignHandler) DeleteStep(c echo.Context) error {
	if err := h.campaigns.DeleteStep(c.Request().Context(), middleware.GetOrganizationID(c), c.Param("id"), c.Param("stepId")); err != nil {
		return serviceError(err, "Step")
	}
	return c.NoContent(http.StatusNoContent)
}

// Enroll adds contacts by id or by tag. Contacts already enrolled are
// skipped, so the call can be repeated.
// @Summary Enroll contacts
// @Accept json
// @Produce json
// @Success 200 {object} services.EnrollResult
// @Failure 409 {object} response.AppError "Campaign is not active"
// @Router /api/v2/campaigns/{id}/enroll [post]
func (h *CampaignHandler) Enroll(c echo.Context) error {
	var req services.EnrollRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if len(req.ContactIDs) == 0 && strings.TrimSpace(req.Tag) == "" {
		return response.Validation("contactIds or tag is required", nil)
	}
	res, err := h.campaigns.Enroll(c.Request().Context(), middleware.GetOrganizationID(c), c.Param("id"), req)
	if err != nil {
		return serviceError(err, "Campaign")
	}
	return response.OK(c, res)
}

// Funnel returns per-step delivery and engagement, as JSON or ?format=xlsx.
func (h *CampaignHandler) Funnel(c echo.Context) error {
	funnel, err := h.campaigns.Funnel(c.Request().Context(), middleware.GetOrganizationID(c), c.Param("id"))
	if err != nil {
		return serviceError(err, "Campaign")
	}
	switch c.QueryParam("format") {
	case "", "json":
		return response.OK(c, funnel)
	case "xlsx":
		data, err := funnelXLSX(funnel)
		if err != nil {
			return response.Internal(err)
		}
		return attachment(c, xlsxContentType, "funnel-"+funnel.CampaignID+".xlsx", data)
	}
	return response.BadRequest("format must be json or xlsx")
}

func (h *CampaignHandler) Cohorts(c echo.Context) error {
	g, err := drip.ParseGranularity(c.QueryParam("granularity"))
	if err != nil {
		return response.Validation(err.Error(), nil)
	}
	cohorts, err := h.campaigns.Cohorts(c.Request().Context(), middleware.GetOrganizationID(c), c.Param("id"), g)
	if err != nil {
		return serviceError(err, "Campaign")
	}
	return response.WithMeta(c, cohorts, map[string]string{"granularity": string(g)})
}

func (h *CampaignHandler) CreateABTest(c echo.Context) error {
	var test models.ABTest
	if err := c.Bind(&test); err != nil {
		return response.BadRequest("Invalid request body")
	}
	test.CampaignID = c.Param("id")
	if err := c.Validate(&test); err != nil {
		return err
	}
	if len(test.Variants) < 2 {
		return response.Validation("at least two variants are required", nil)
	}
	if err := h.campaigns.CreateABTest(c.Request().Context(), middleware.GetOrganizationID(c), &test); err != nil {
		return serviceError(err, "Step")
	}
	return response.Created(c, test)
}

type abTestResults struct {
	Test       *models.ABTest   `json:"test"`
	Evaluation *drip.Evaluation `json:"evaluation"`
}

func (h *CampaignHandler) ABTestResults(c echo.Context) error {
	test, ev, err := h.campaigns.ABTestResults(c.Request().Context(), middleware.GetOrganizationID(c), c.Param("testId"))
	if err != nil {
		return serviceError(err, "A/B test")
	}
	return response.OK(c, abTestResults{Test: test, Evaluation: ev})
}

type declareWinnerRequest struct {
	VariantID string `json:"variantId" validate:"omitempty,uuid"`
}

// DeclareWinner closes a test. Without a variantId the significant leader wins.
func (h *CampaignHandler) DeclareWinner(c echo.Context) error {
	var req declareWinnerRequest
	if c.Request().ContentLength != 0 {
		if err := bind(c, &req); err != nil {
			return err
		}
	}
	test, err := h.campaigns.DeclareWinner(c.Request().Context(), middleware.GetOrganizationID(c), c.Param("testId"), req.VariantID)
	if err != nil {
		return serviceError(err, "A/B test")
	}
	return response.OK(c, test)
}
