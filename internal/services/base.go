package services

import (
	"context"
	"fmt"
	"reflect"

	"chirp/internal/api/pagination"

	"gorm.io/gorm"
)

// BaseService is tenant-scoped CRUD. Every query is restricted to the
// caller's organization.
type BaseService[T any] interface {
	Create(ctx context.Context, orgID string, entity *T) error
	Get(ctx context.Context, orgID, id string) (*T, error)
	List(ctx context.Context, orgID string, q ListQuery) ([]T, int64, error)
	ListCursor(ctx context.Context, orgID string, q CursorQuery) ([]T, error)
	Update(ctx context.Context, orgID, id string, patch *T) (*T, error)
	Delete(ctx context.Context, orgID, id string) error
}

// ListQuery is an offset page with whitelisted sort and filters.
type ListQuery struct {
	Page    pagination.OffsetParams
	Sort    pagination.Sort
	Filters map[string]string
}

// CursorQuery is a keyset page. Rows come back with one look-ahead row.
type CursorQuery struct {
	Page    pagination.CursorParams
	Sort    pagination.Sort
	Filters map[string]string
}

// Hook runs after a successful write.
type Hook[T any] func(ctx context.Context, entity *T) error

type BaseServiceImpl[T any] struct {
	db          *gorm.DB
	modelType   T
	preloads    []string
	afterCreate []Hook[T]
}

func GormTableName(db *gorm.DB, v any) string {
	return db.NamingStrategy.TableName(reflect.TypeOf(v).Name())
}

func NewBaseService[T any](db *gorm.DB, modelType T) *BaseServiceImpl[T] {
	return &BaseServiceImpl[T]{db: db, modelType: modelType}
}

// Preload eager-loads associations on Get.
func (s *BaseServiceImpl[T]) Preload(associations ...string) *BaseServiceImpl[T] {
	s.preloads = append(s.preloads, associations...)
	return s
}

// AfterCreate registers hooks that run once the row is committed. A hook
// error is returned to the caller but does not roll back the insert.
func (s *BaseServiceImpl[T]) AfterCreate(hooks ...Hook[T]) *BaseServiceImpl[T] {
	s.afterCreate = append(s.afterCreate, hooks...)
	return s
}

func (s *BaseServiceImpl[T]) scoped(ctx context.Context, orgID string) *gorm.DB {
	return s.db.WithContext(ctx).Model(&s.modelType).Where("organization_id = ?", orgID)
}

// setTenant stamps the organization on entity.
func setTenant(entity any, orgID string) error {
	v := reflect.ValueOf(entity).Elem()
	f := v.FieldByName("OrganizationID")
	if !f.IsValid() || f.Kind() != reflect.String {
		return fmt.Errorf("%s has no OrganizationID field", v.Type().Name())
	}
	f.SetString(orgID)
	return nil
}

func (s *BaseServiceImpl[T]) Create(ctx context.Context, orgID string, entity *T) error {
	if err := setTenant(entity, orgID); err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(entity).Error; err != nil {
		return err
	}
	for _, hook := range s.afterCreate {
		if err := hook(ctx, entity); err != nil {
			return fmt.Errorf("%s created but follow-up failed: %w", GormTableName(s.db, s.modelType), err)
		}
	}
	return nil
}

func (s *BaseServiceImpl[T]) Get(ctx context.Context, orgID, id string) (*T, error) {
	var entity T
	q := s.scoped(ctx, orgID)
	for _, p := range s.preloads {
		q = q.Preload(p)
	}
	if err := q.First(&entity, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &entity, nil
}

func (s *BaseServiceImpl[T]) List(ctx context.Context, orgID string, lq ListQuery) ([]T, int64, error) {
	var entities []T
	var total int64

	query := s.scoped(ctx, orgID).Scopes(pagination.FilterScope(lq.Filters))
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if lq.Sort.Column != "" {
		query = query.Order(lq.Sort.Clause())
	}
	if err := query.Scopes(lq.Page.Scope()).Find(&entities).Error; err != nil {
		return nil, 0, err
	}
	return entities, total, nil
}

func (s *BaseServiceImpl[T]) ListCursor(ctx context.Context, orgID string, cq CursorQuery) ([]T, error) {
	var entities []T
	err := s.scoped(ctx, orgID).
		Scopes(pagination.FilterScope(cq.Filters), cq.Page.Scope(cq.Sort)).
		Find(&entities).Error
	return entities, err
}

// Update applies the non-zero fields of patch.
func (s *BaseServiceImpl[T]) Update(ctx context.Context, orgID, id string, patch *T) (*T, error) {
	existing, err := s.Get(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	if err := setTenant(patch, orgID); err != nil {
		return nil, err
	}
	res := s.db.WithContext(ctx).Model(existing).Omit("id", "created_at").Updates(patch)
	if res.Error != nil {
		return nil, res.Error
	}
	return s.Get(ctx, orgID, id)
}

func (s *BaseServiceImpl[T]) Delete(ctx context.Context, orgID, id string) error {
	res := s.scoped(ctx, orgID).Where("id = ?", id).Delete(&s.modelType)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
