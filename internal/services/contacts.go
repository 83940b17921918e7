package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"chirp/internal/importer"
	"chirp/internal/metrics"
	"chirp/internal/models"
	"chirp/internal/utils/logger"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrPlanLimit = errors.New("plan limit reached")

// maxStoredRowErrors caps the row errors kept on an import.
const maxStoredRowErrors = 1000

const upsertBatchSize = 500

// ImportQueue schedules the background parse of an import.
type ImportQueue interface {
	EnqueueContactImport(ctx context.Context, importID, organizationID string) (string, error)
}

type ContactService struct {
	db            *gorm.DB
	contacts      *BaseServiceImpl[models.Contact]
	imports       *BaseServiceImpl[models.ContactImport]
	store         ObjectStore
	defaultRegion string
	logger        *logger.Logger
}

// NewContactService wires contact CRUD and imports. store may be nil.
func NewContactService(db *gorm.DB, store ObjectStore, queue ImportQueue, defaultRegion string) *ContactService {
	s := &ContactService{
		db:            db,
		contacts:      NewBaseService(db, models.Contact{}),
		store:         store,
		defaultRegion: defaultRegion,
		logger:        logger.New("CONTACTS"),
	}
	s.imports = NewBaseService(db, models.ContactImport{}).AfterCreate(func(ctx context.Context, imp *models.ContactImport) error {
		jobID, err := queue.EnqueueContactImport(ctx, imp.ID, imp.OrganizationID)
		if err != nil {
			if ferr := s.failImport(ctx, imp, "could not queue import: "+err.Error()); ferr != nil {
				s.logger.Error("import %s left pending: %v", imp.ID, ferr)
			}
			return err
		}
		imp.JobID = jobID
		return db.WithContext(ctx).Model(imp).Update("job_id", jobID).Error
	})
	return s
}

func (s *ContactService) Contacts() BaseService[models.Contact] {
	return s.contacts
}

// CreateContact enforces the plan's contact quota.
func (s *ContactService) CreateContact(ctx context.Context, orgID string, plan models.PlanTier, c *models.Contact) error {
	if maxContacts := plan.Limits().MaxContacts; maxContacts > 0 {
		var count int64
		if err := s.db.WithContext(ctx).Model(&models.Contact{}).Where("organization_id = ?", orgID).Count(&count).Error; err != nil {
			return err
		}
		if count >= int64(maxContacts) {
			return fmt.Errorf("%w: %s plan allows %d contacts", ErrPlanLimit, plan, maxContacts)
		}
	}
	phone, err := s.NormalizePhone(ctx, orgID, c.Phone)
	if err != nil {
		return err
	}
	c.Phone = phone
	return s.contacts.Create(ctx, orgID, c)
}

// NormalizePhone formats raw as E.164 using the organization's region.
func (s *ContactService) NormalizePhone(ctx context.Context, orgID, raw string) (string, error) {
	return importer.NormalizePhone(raw, s.regionFor(ctx, orgID))
}

func (s *ContactService) regionFor(ctx context.Context, orgID string) string {
	var org models.Organization
	if err := s.db.WithContext(ctx).Select("default_region").First(&org, "id = ?", orgID).Error; err == nil && org.DefaultRegion != "" {
		return org.DefaultRegion
	}
	return s.defaultRegion
}

// Preview parses a file without storing anything.
func (s *ContactService) Preview(ctx context.Context, orgID, text string) (*importer.Result, error) {
	return importer.ParseCSV(text, importer.Options{DefaultRegion: s.regionFor(ctx, orgID)})
}

// CreateImport stores the uploaded file and queues it for processing.
func (s *ContactService) CreateImport(ctx context.Context, orgID, fileName string, data []byte) (*models.ContactImport, error) {
	imp := &models.ContactImport{
		Status:   models.ContactImportStatusPending,
		FileName: path.Base(fileName),
		Errors:   datatypes.JSON("[]"),
	}
	if s.store != nil {
		imp.StorageKey = fmt.Sprintf("imports/%s/%s.csv", orgID, uuid.NewString())
		if err := s.store.Put(ctx, imp.StorageKey, "text/csv", data); err != nil {
			return nil, err
		}
	} else {
		imp.Source = string(data)
	}

	if err := s.imports.Create(ctx, orgID, imp); err != nil {
		return imp, err
	}
	s.logger.Info("📥 import %s queued (%s, %d bytes)", imp.ID, imp.FileName, len(data))
	return imp, nil
}

func (s *ContactService) GetImport(ctx context.Context, orgID, id string) (*models.ContactImport, error) {
	return s.imports.Get(ctx, orgID, id)
}

// ProcessImport parses a stored import and upserts its contacts. Files that
// cannot be parsed mark the import FAILED without an error, so the job is
// not retried; storage and database errors are returned.
func (s *ContactService) ProcessImport(ctx context.Context, importID string) error {
	var imp models.ContactImport
	if err := s.db.WithContext(ctx).First(&imp, "id = ?", importID).Error; err != nil {
		return fmt.Errorf("failed to load import %s: %w", importID, err)
	}
	if imp.Status == models.ContactImportStatusCompleted {
		return nil
	}
	if err := s.db.WithContext(ctx).Model(&imp).Update("status", models.ContactImportStatusProcessing).Error; err != nil {
		return err
	}

	text := imp.Source
	if imp.StorageKey != "" {
		if s.store == nil {
			return s.failImport(ctx, &imp, "object storage is not configured")
		}
		data, err := s.store.Get(ctx, imp.StorageKey)
		if err != nil {
			return err
		}
		text = string(data)
	}

	res, err := importer.ParseCSV(text, importer.Options{DefaultRegion: s.regionFor(ctx, imp.OrganizationID)})
	if err != nil {
		return s.failImport(ctx, &imp, err.Error())
	}

	var org models.Organization
	if err := s.db.WithContext(ctx).First(&org, "id = ?", imp.OrganizationID).Error; err != nil {
		return err
	}
	if limit := org.Plan.GetFeatureLimit(models.FeatureCSVImport); limit > 0 && res.Stats.Total > limit {
		return s.failImport(ctx, &imp, fmt.Sprintf("file has %d rows, %s plan allows %d per import", res.Stats.Total, org.Plan, limit))
	}

	if maxContacts := org.Plan.Limits().MaxContacts; maxContacts > 0 {
		room, known, err := s.contactRoom(ctx, imp.OrganizationID, maxContacts, res.Contacts)
		if err != nil {
			return err
		}
		var over []importer.RowError
		res.Contacts, over = withinQuota(res.Contacts, known, room, maxContacts)
		if len(over) > 0 {
			res.Errors = append(res.Errors, over...)
			res.Stats.Valid -= len(over)
			res.Stats.Invalid += len(over)
			s.logger.Warn("import %s: %d rows skipped, %s plan allows %d contacts", imp.ID, len(over), org.Plan, maxContacts)
		}
	}

	created, err := s.upsertContacts(ctx, imp.OrganizationID, imp.ID, res.Contacts)
	if err != nil {
		return err
	}

	metrics.ImportedRows.WithLabelValues("valid").Add(float64(res.Stats.Valid))
	metrics.ImportedRows.WithLabelValues("invalid").Add(float64(res.Stats.Invalid))
	metrics.ImportedRows.WithLabelValues("duplicate").Add(float64(res.Stats.Duplicates))

	rowErrors := res.Errors
	if len(rowErrors) > maxStoredRowErrors {
		rowErrors = rowErrors[:maxStoredRowErrors]
	}
	errorsJSON, _ := json.Marshal(rowErrors)

	now := time.Now()
	err = s.db.WithContext(ctx).Model(&imp).Updates(map[string]interface{}{
		"status":       models.ContactImportStatusCompleted,
		"total":        res.Stats.Total,
		"valid":        res.Stats.Valid,
		"invalid":      res.Stats.Invalid,
		"duplicates":   res.Stats.Duplicates,
		"created":      created,
		"errors":       datatypes.JSON(errorsJSON),
		"source":       "",
		"completed_at": now,
	}).Error
	if err != nil {
		return err
	}
	s.logger.Success("import %s: %d rows, %d valid, %d new contacts", imp.ID, res.Stats.Total, res.Stats.Valid, created)
	return nil
}

func (s *ContactService) failImport(ctx context.Context, imp *models.ContactImport, reason string) error {
	s.logger.Warn("import %s failed: %s", imp.ID, reason)
	imp.Status = models.ContactImportStatusFailed
	imp.FailureReason = reason
	return s.db.WithContext(ctx).Model(imp).Select("status", "failure_reason").Updates(imp).Error
}

// contactRoom returns how many new contacts the organization can still take
// and which of rows' phones it already holds.
func (s *ContactService) contactRoom(ctx context.Context, orgID string, maxContacts int, rows []importer.Contact) (int, map[string]bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Contact{}).Where("organization_id = ?", orgID).Count(&count).Error; err != nil {
		return 0, nil, err
	}
	known := make(map[string]bool)
	for start := 0; start < len(rows); start += upsertBatchSize {
		end := min(start+upsertBatchSize, len(rows))
		phones := make([]string, 0, end-start)
		for _, r := range rows[start:end] {
			phones = append(phones, r.Phone)
		}
		var found []string
		if err := s.db.WithContext(ctx).Model(&models.Contact{}).
			Where("organization_id = ? AND phone IN ?", orgID, phones).
			Pluck("phone", &found).Error; err != nil {
			return 0, nil, err
		}
		for _, p := range found {
			known[p] = true
		}
	}
	return max(maxContacts-int(count), 0), known, nil
}

// withinQuota keeps every row whose phone is already stored plus the first
// room new ones. The rest come back as row errors.
func withinQuota(rows []importer.Contact, known map[string]bool, room, maxContacts int) ([]importer.Contact, []importer.RowError) {
	kept := make([]importer.Contact, 0, len(rows))
	var over []importer.RowError
	for _, r := range rows {
		if !known[r.Phone] {
			if room == 0 {
				over = append(over, importer.RowError{
					Row:     r.Row,
					Field:   "phone",
					Value:   r.Phone,
					Message: fmt.Sprintf("contact limit of %d reached", maxContacts),
				})
				continue
			}
			room--
		}
		kept = append(kept, r)
	}
	return kept, over
}

// upsertContacts inserts new phones and refreshes names, email, tags and
// custom fields of existing ones. It returns how many were new.
func (s *ContactService) upsertContacts(ctx context.Context, orgID, importID string, rows []importer.Contact) (int, error) {
	created := 0
	for start := 0; start < len(rows); start += upsertBatchSize {
		end := start + upsertBatchSize
		if end > len(rows) {
			end = len(rows)
		}
		batch := make([]models.Contact, 0, end-start)
		phones := make([]string, 0, end-start)
		for _, r := range rows[start:end] {
			batch = append(batch, contactFromRow(orgID, importID, r))
			phones = append(phones, r.Phone)
		}

		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var existing int64
			if err := tx.Model(&models.Contact{}).
				Where("organization_id = ? AND phone IN ?", orgID, phones).
				Count(&existing).Error; err != nil {
				return err
			}
			created += len(batch) - int(existing)
			return tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "organization_id"}, {Name: "phone"}},
				DoUpdates: clause.AssignmentColumns([]string{"first_name", "last_name", "email", "tags", "custom_fields", "updated_at", "deleted_at"}),
			}).Create(&batch).Error
		})
		if err != nil {
			return created, fmt.Errorf("failed to upsert contacts: %w", err)
		}
	}
	return created, nil
}

func contactFromRow(orgID, importID string, r importer.Contact) models.Contact {
	custom := datatypes.JSON("{}")
	if len(r.CustomFields) > 0 {
		raw, _ := json.Marshal(r.CustomFields)
		custom = raw
	}
	id := importID
	return models.Contact{
		OrganizationID: orgID,
		Phone:          r.Phone,
		FirstName:      r.FirstName,
		LastName:       r.LastName,
		Email:          r.Email,
		Tags:           r.Tags,
		CustomFields:   custom,
		ImportID:       &id,
	}
}

// Export returns the organization's contacts in import format.
func (s *ContactService) Export(ctx context.Context, orgID string, filters map[string]string) ([]importer.Contact, error) {
	var contacts []models.Contact
	err := s.db.WithContext(ctx).
		Where("organization_id = ?", orgID).
		Scopes(filterScope(filters)).
		Order("created_at ASC").
		Find(&contacts).Error
	if err != nil {
		return nil, err
	}

	out := make([]importer.Contact, 0, len(contacts))
	for _, c := range contacts {
		row := importer.Contact{
			Phone:     c.Phone,
			FirstName: c.FirstName,
			LastName:  c.LastName,
			Email:     c.Email,
			Tags:      c.Tags,
		}
		if len(c.CustomFields) > 0 {
			_ = json.Unmarshal(c.CustomFields, &row.CustomFields)
		}
		out = append(out, row)
	}
	return out, nil
}

func filterScope(filters map[string]string) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		for col, v := range filters {
			if col == "tags" {
				db = db.Where("? = ANY(tags)", v)
				continue
			}
			db = db.Where(col+" = ?", v)
		}
		return db
	}
}
