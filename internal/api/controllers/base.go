package controllers

import (
	"net/http"

	"chirp/internal/api/middleware"
	"chirp/internal/api/pagination"
	"chirp/internal/api/response"
	"chirp/internal/services"

	"github.com/labstack/echo/v4"
)

// Resource describes how a model is listed over HTTP.
type Resource[T any] struct {
	Name        string
	Sorts       map[string]string // API field -> column
	DefaultSort pagination.Sort
	Filters     map[string]string // query key -> column
	// CursorOf extracts the keyset position of a row under sort.
	CursorOf func(row T, sort pagination.Sort) pagination.Cursor
	// Prepare strips fields clients may not set through Update.
	Prepare func(entity *T)
}

// BaseController provides tenant-scoped list, get, update and delete for
// any model.
type BaseController[T any] struct {
	service  services.BaseService[T]
	resource Resource[T]
}

func NewBaseController[T any](service services.BaseService[T], resource Resource[T]) *BaseController[T] {
	return &BaseController[T]{service: service, resource: resource}
}

// Get handles retrieval of a single entity
func (c *BaseController[T]) Get(ctx echo.Context) error {
	entity, err := c.service.Get(ctx.Request().Context(), middleware.GetOrganizationID(ctx), ctx.Param("id"))
	if err != nil {
		return notFoundOr(err, c.resource.Name)
	}
	return response.OK(ctx, entity)
}

// List pages with ?page=&limit= by default, or by keyset with ?cursor=
// (an empty cursor value starts at the first page).
func (c *BaseController[T]) List(ctx echo.Context) error {
	q := ctx.QueryParams()
	sort := pagination.ParseSort(q.Get("sort"), c.resource.Sorts, c.resource.DefaultSort)
	filters := pagination.ParseFilters(q, c.resource.Filters)
	orgID := middleware.GetOrganizationID(ctx)

	if _, keyset := q["cursor"]; keyset && c.resource.CursorOf != nil {
		params, err := pagination.ParseCursor(q)
		if err != nil {
			return response.InvalidCursor()
		}
		rows, err := c.service.ListCursor(ctx.Request().Context(), orgID, services.CursorQuery{Page: params, Sort: sort, Filters: filters})
		if err != nil {
			return response.Internal(err)
		}
		page, meta := pagination.BuildCursorPage(rows, params.Limit, func(row T) pagination.Cursor {
			return c.resource.CursorOf(row, sort)
		})
		return response.Paginated(ctx, page, meta)
	}

	params := pagination.ParseOffset(q)
	rows, total, err := c.service.List(ctx.Request().Context(), orgID, services.ListQuery{Page: params, Sort: sort, Filters: filters})
	if err != nil {
		return response.Internal(err)
	}
	return response.Paginated(ctx, rows, pagination.NewOffsetMeta(params, total))
}

// Update handles updating an existing entity
func (c *BaseController[T]) Update(ctx echo.Context) error {
	var entity T
	if err := ctx.Bind(&entity); err != nil {
		return response.BadRequest("Invalid request body")
	}
	if c.resource.Prepare != nil {
		c.resource.Prepare(&entity)
	}
	if err := ctx.Validate(&entity); err != nil {
		return err
	}

	updated, err := c.service.Update(ctx.Request().Context(), middleware.GetOrganizationID(ctx), ctx.Param("id"), &entity)
	if err != nil {
		return notFoundOr(err, c.resource.Name)
	}
	return response.OK(ctx, updated)
}

// Delete handles deletion of an entity
func (c *BaseController[T]) Delete(ctx echo.Context) error {
	if err := c.service.Delete(ctx.Request().Context(), middleware.GetOrganizationID(ctx), ctx.Param("id")); err != nil {
		return notFoundOr(err, c.resource.Name)
	}
	return ctx.NoContent(http.StatusNoContent)
}

// RegisterRoutes mounts the CRUD routes on g. Writes go through write.
func (c *BaseController[T]) RegisterRoutes(g *echo.Group, write ...echo.MiddlewareFunc) {
	g.GET("", c.List)
	g.GET("/:id", c.Get)
	g.PUT("/:id", c.Update, write...)
	g.DELETE("/:id", c.Delete, write...)
}

func notFoundOr(err error, name string) error {
	appErr := response.FromError(err)
	if appErr.Status == http.StatusNotFound {
		return response.NotFound(name)
	}
	return appErr
}
