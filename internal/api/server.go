package api

import (
	"context"
	"fmt"
	"net/http"

	"chirp/internal/api/response"
	"chirp/internal/config"
	"chirp/internal/routes"
	"chirp/internal/utils"
	"chirp/internal/utils/logger"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"gorm.io/gorm"
)

// CustomValidator plugs validator/v10 into echo's c.Validate.
type CustomValidator struct {
	validator *validator.Validate
}

func NewValidator() *CustomValidator {
	return &CustomValidator{validator: validator.New()}
}

func (cv *CustomValidator) Validate(i interface{}) error {
	return cv.validator.Struct(i)
}

type Server struct {
	echo   *echo.Echo
	config *config.Config
	db     *gorm.DB
	redis  *utils.RedisClient
	log    *logger.Logger
}

// NewServer builds the HTTP server. redis may be nil.
func NewServer(cfg *config.Config, db *gorm.DB, redis *utils.RedisClient, deps routes.Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = NewValidator()

	s := &Server{
		echo:   e,
		config: cfg,
		db:     db,
		redis:  redis,
		log:    logger.New("API"),
	}
	e.HTTPErrorHandler = response.HTTPErrorHandler(s.log)

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{
			echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization,
			"X-API-Key", "X-API-Version",
		},
		ExposeHeaders: []string{
			"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After",
			"X-API-Version", "Deprecation",
		},
	}))
	e.Use(echomw.BodyLimit(bodyLimit(cfg.Import.MaxFileSize)))

	s.registerRoutes(deps)
	return s
}

// bodyLimit leaves room for multipart overhead around the largest import.
func bodyLimit(maxFile int64) string {
	if maxFile <= 0 {
		return "12M"
	}
	return fmt.Sprintf("%dK", maxFile/1024+512)
}

func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.log.Success("API server listening on %s", addr)
	if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
