package middleware

import (
	"context"
	"fmt"

	"chirp/internal/api/response"
	"chirp/internal/models"

	"github.com/labstack/echo/v4"
)

const contextPlan = "plan"

// PlanResolver returns the plan an organization is subscribed to.
type PlanResolver interface {
	OrganizationPlan(ctx context.Context, organizationID string) (models.PlanTier, error)
}

// GetPlan returns the plan resolved earlier in the chain, or FREE.
func GetPlan(c echo.Context) models.PlanTier {
	if plan, ok := c.Get(contextPlan).(models.PlanTier); ok {
		return plan
	}
	return models.PlanFree
}

func resolvePlan(c echo.Context, plans PlanResolver) (models.PlanTier, error) {
	if plan, ok := c.Get(contextPlan).(models.PlanTier); ok {
		return plan, nil
	}
	orgID := GetOrganizationID(c)
	if orgID == "" {
		return "", response.Unauthorized("Missing organization")
	}
	plan, err := plans.OrganizationPlan(c.Request().Context(), orgID)
	if err != nil {
		return "", response.Internal(fmt.Errorf("failed to resolve plan for %s: %w", orgID, err))
	}
	c.Set(contextPlan, plan)
	return plan, nil
}

// RequireFeature rejects requests from organizations whose plan does not
// include feature.
func RequireFeature(plans PlanResolver, feature models.ProductFeature) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			plan, err := resolvePlan(c, plans)
			if err != nil {
				return err
			}
			if !plan.HasFeature(feature) {
				appErr := response.Forbidden(fmt.Sprintf("Your %s plan does not include %s", plan, feature))
				appErr.Details = map[string]string{"plan": string(plan), "feature": string(feature)}
				return appErr
			}
			return next(c)
		}
	}
}

// RequireAPIAccess applies the api_access feature gate to API key requests
// only. Dashboard sessions pass through.
func RequireAPIAccess(plans PlanResolver) echo.MiddlewareFunc {
	gate := RequireFeature(plans, models.FeatureAPIAccess)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		gated := gate(next)
		return func(c echo.Context) error {
			if IsAPIKey(c) {
				return gated(c)
			}
			return next(c)
		}
	}
}
