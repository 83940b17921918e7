package handlers

import (
	"chirp/internal/api/middleware"
	"chirp/internal/api/response"
	"chirp/internal/services"

	"github.com/labstack/echo/v4"
)

type AuthHandler struct {
	auth *services.AuthService
}

func NewAuthHandler(auth *services.AuthService) *AuthHandler {
	return &AuthHandler{auth: auth}
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// Register creates an organization and its owner, and logs the owner in.
// @Summary Register a new organization
// @Tags auth
// @Accept json
// @Produce json
// @Param request body services.Registration true "Registration details"
// @Success 201 {object} services.Session
// @Failure 400 {object} response.AppError "Validation error"
// @Failure 409 {object} response.AppError "Email already exists"
// @Router /auth/register [post]
func (h *AuthHandler) Register(c echo.Context) error {
	var req services.Registration
	if err := bind(c, &req); err != nil {
		return err
	}
	session, err := h.auth.Register(c.Request().Context(), req)
	if err != nil {
		appErr := response.FromError(err)
		if appErr.Code == response.CodeConflict {
			return response.Conflict("Email already exists")
		}
		return appErr
	}
	return response.Created(c, session)
}

// Login handles user login by validating credentials and returning a JWT.
// @Summary Login user
// @Tags auth
// @Accept json
// @Produce json
// @Param request body LoginRequest true "Login credentials"
// @Success 200 {object} services.Session
// @Failure 401 {object} response.AppError "Invalid credentials"
// @Router /auth/login [post]
func (h *AuthHandler) Login(c echo.Context) error {
	var req LoginRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	session, err := h.auth.Login(c.Request().Context(), req.Email, req.Password)
	if err != nil {
		return serviceError(err, "")
	}
	return response.OK(c, session)
}

// GetMe returns the logged-in user with their organization.
func (h *AuthHandler) GetMe(c echo.Context) error {
	if middleware.IsAPIKey(c) {
		return response.Forbidden("API keys have no user")
	}
	user, err := h.auth.Me(c.Request().Context(), middleware.GetUserID(c))
	if err != nil {
		return serviceError(err, "User")
	}
	return response.OK(c, user)
}
