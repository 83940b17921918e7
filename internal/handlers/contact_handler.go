package handlers

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"chirp/internal/api/controllers"
	"chirp/internal/api/middleware"
	"chirp/internal/api/pagination"
	"chirp/internal/api/response"
	"chirp/internal/importer"
	"chirp/internal/models"
	"chirp/internal/services"
	"chirp/internal/utils/logger"

	"github.com/labstack/echo/v4"
)

// 📇 ContactHandler serves contacts, imports and exports.
type ContactHandler struct {
	*controllers.BaseController[models.Contact]
	contacts    *services.ContactService
	plans       middleware.PlanResolver
	maxFileSize int64
	log         *logger.Logger
}

var contactResource = controllers.Resource[models.Contact]{
	Name: "Contact",
	Sorts: map[string]string{
		"createdAt": "created_at",
		"phone":     "phone",
		"firstName": "first_name",
		"lastName":  "last_name",
	},
	DefaultSort: pagination.Sort{Field: "createdAt", Column: "created_at", Desc: true},
	Filters: map[string]string{
		"optedOut": "opted_out",
		"importId": "import_id",
		"email":    "email",
	},
	CursorOf: func(c models.Contact, sort pagination.Sort) pagination.Cursor {
		switch sort.Column {
		case "phone":
			return pagination.Cursor{ID: c.ID, Value: c.Phone}
		case "first_name":
			return pagination.Cursor{ID: c.ID, Value: c.FirstName}
		case "last_name":
			return pagination.Cursor{ID: c.ID, Value: c.LastName}
		}
		return pagination.Cursor{ID: c.ID, Value: c.CreatedAt.UTC().Format(time.RFC3339Nano)}
	},
	Prepare: func(c *models.Contact) {
		c.ImportID = nil
		// updates take international numbers only
		if phone, err := importer.NormalizePhone(c.Phone, ""); err == nil {
			c.Phone = phone
		}
	},
}

func NewContactHandler(contacts *services.ContactService, plans middleware.PlanResolver, maxFileSize int64) *ContactHandler {
	return &ContactHandler{
		BaseController: controllers.NewBaseController(contacts.Contacts(), contactResource),
		contacts:       contacts,
		plans:          plans,
		maxFileSize:    maxFileSize,
		log:            logger.New("CONTACT_HANDLER"),
	}
}

// Create adds one contact. The phone number is normalized to E.164 using
// the organization's default region.
// @Summary Create contact
// @Accept json
// @Produce json
// @Success 201 {object} models.Contact
// @Failure 400 {object} response.AppError
// @Failure 403 {object} response.AppError "Plan contact limit reached"
// @Router /api/v2/contacts [post]
func (h *ContactHandler) Create(c echo.Context) error {
	var contact models.Contact
	if err := c.Bind(&contact); err != nil {
		return response.BadRequest("Invalid request body")
	}
	orgID := middleware.GetOrganizationID(c)
	phone, err := h.contacts.NormalizePhone(c.Request().Context(), orgID, contact.Phone)
	if err != nil {
		return serviceError(err, "")
	}
	contact.Phone = phone
	contact.ImportID = nil
	if err := c.Validate(&contact); err != nil {
		return err
	}

	plan, err := h.plans.OrganizationPlan(c.Request().Context(), orgID)
	if err != nil {
		return response.Internal(err)
	}
	if err := h.contacts.CreateContact(c.Request().Context(), orgID, plan, &contact); err != nil {
		return serviceError(err, "Contact")
	}
	return response.Created(c, contact)
}

// Export downloads contacts as csv (default) or xlsx. The csv output is a
// valid import file.
func (h *ContactHandler) Export(c echo.Context) error {
	filters := pagination.ParseFilters(c.QueryParams(), map[string]string{
		"optedOut": "opted_out",
		"tag":      "tags",
		"importId": "import_id",
	})
	rows, err := h.contacts.Export(c.Request().Context(), middleware.GetOrganizationID(c), filters)
	if err != nil {
		return response.Internal(err)
	}

	stamp := time.Now().UTC().Format("20060102")
	switch c.QueryParam("format") {
	case "", "csv":
		data, err := contactsCSV(rows)
		if err != nil {
			return response.Internal(err)
		}
		return attachment(c, "text/csv", "contacts-"+stamp+".csv", data)
	case "xlsx":
		data, err := contactsXLSX(rows)
		if err != nil {
			return response.Internal(err)
		}
		return attachment(c, xlsxContentType, "contacts-"+stamp+".xlsx", data)
	}
	return response.BadRequest("format must be csv or xlsx")
}

// ImportTemplate returns a CSV with the header and one example row.
func (h *ContactHandler) ImportTemplate(c echo.Context) error {
	return attachment(c, "text/csv", "contacts-template.csv", []byte(importer.GenerateCSVTemplate()))
}

// readUpload accepts a multipart "file" field or a raw text/csv body.
func (h *ContactHandler) readUpload(c echo.Context) (string, []byte, error) {
	limit := h.maxFileSize
	if limit <= 0 {
		limit = 10 << 20
	}

	var (
		name   = "upload.csv"
		reader io.Reader
	)
	if strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm) {
		fh, err := c.FormFile("file")
		if err != nil {
			return "", nil, response.BadRequest("No file provided")
		}
		if fh.Size > limit {
			return "", nil, tooLarge(limit)
		}
		f, err := fh.Open()
		if err != nil {
			return "", nil, response.BadRequest("Unreadable file")
		}
		defer f.Close()
		name, reader = fh.Filename, f
	} else {
		reader = c.Request().Body
	}

	data, err := io.ReadAll(io.LimitReader(reader, limit+1))
	if err != nil {
		return "", nil, response.BadRequest("Unreadable file")
	}
	if int64(len(data)) > limit {
		return "", nil, tooLarge(limit)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return "", nil, response.Validation(importer.ErrEmptyFile.Error(), nil)
	}
	return name, data, nil
}

func tooLarge(limit int64) error {
	return &response.AppError{
		Status:  http.StatusRequestEntityTooLarge,
		Message: fmt.Sprintf("File exceeds %d bytes", limit),
		Code:    response.CodeBadRequest,
	}
}

// PreviewImport parses the file synchronously and returns contacts, row
// errors and stats without storing anything.
// @Summary Preview contact import
// @Accept text/csv
// @Produce json
// @Success 200 {object} importer.Result
// @Router /api/v2/contacts/import/preview [post]
func (h *ContactHandler) PreviewImport(c echo.Context) error {
	_, data, err := h.readUpload(c)
	if err != nil {
		return err
	}
	res, err := h.contacts.Preview(c.Request().Context(), middleware.GetOrganizationID(c), string(data))
	if err != nil {
		return serviceError(err, "")
	}
	return response.OK(c, res)
}

// CreateImport stores the file and queues it; poll GetImport for the result.
func (h *ContactHandler) CreateImport(c echo.Context) error {
	name, data, err := h.readUpload(c)
	if err != nil {
		return err
	}
	// reject files without a phone column before queueing them
	if _, err := importer.ParseCSV(firstLines(string(data), 2), importer.Options{}); err != nil {
		return serviceError(err, "")
	}

	imp, err := h.contacts.CreateImport(c.Request().Context(), middleware.GetOrganizationID(c), name, data)
	if err != nil {
		if imp != nil && imp.ID != "" {
			h.log.Error("import %s stored but not queued: %v", imp.ID, err)
		}
		return serviceError(err, "")
	}
	return response.Accepted(c, imp)
}

func (h *ContactHandler) GetImport(c echo.Context) error {
	imp, err := h.contacts.GetImport(c.Request().Context(), middleware.GetOrganizationID(c), c.Param("id"))
	if err != nil {
		return serviceError(err, "Import")
	}
	return response.OK(c, imp)
}

func firstLines(text string, n int) string {
	lines := strings.SplitN(text, "\n", n+1)
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.Join(lines, "\n")
}
