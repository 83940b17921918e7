package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"

	"gorm.io/gorm"
)

var ErrInvalidCursor = errors.New("invalid cursor")

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// OffsetParams is page/limit pagination, page starting at 1.
type OffsetParams struct {
	Page  int
	Limit int
}

func (p OffsetParams) Offset() int {
	return (p.Page - 1) * p.Limit
}

// Scope applies offset and limit to a gorm query.
func (p OffsetParams) Scope() func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Offset(p.Offset()).Limit(p.Limit)
	}
}

// ParseOffset reads page and limit, clamping bad values instead of failing.
func ParseOffset(q url.Values) OffsetParams {
	page, _ := strconv.Atoi(q.Get("page"))
	if page < 1 {
		page = 1
	}
	return OffsetParams{Page: page, Limit: parseLimit(q.Get("limit"))}
}

func parseLimit(raw string) int {
	limit, err := strconv.Atoi(raw)
	switch {
	case err != nil || limit < 1:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	}
	return limit
}

type OffsetMeta struct {
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"totalPages"`
	HasNext    bool  `json:"hasNext"`
	HasPrev    bool  `json:"hasPrev"`
}

func NewOffsetMeta(p OffsetParams, total int64) OffsetMeta {
	pages := int(math.Ceil(float64(total) / float64(p.Limit)))
	return OffsetMeta{
		Page:       p.Page,
		Limit:      p.Limit,
		Total:      total,
		TotalPages: pages,
		HasNext:    p.Page < pages,
		HasPrev:    p.Page > 1,
	}
}

// Cursor points just past the last row of a page: the row id and the value
// of the sort column.
type Cursor struct {
	ID    string `json:"id"`
	Value string `json:"v,omitempty"`
}

func EncodeCursor(c Cursor) string {
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeCursor returns nil for an empty string and ErrInvalidCursor for
// anything that is not a cursor produced by EncodeCursor.
func DecodeCursor(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if c.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrInvalidCursor)
	}
	return &c, nil
}

type CursorParams struct {
	Cursor *Cursor
	Limit  int
}

func ParseCursor(q url.Values) (CursorParams, error) {
	c, err := DecodeCursor(q.Get("cursor"))
	if err != nil {
		return CursorParams{}, err
	}
	return CursorParams{Cursor: c, Limit: parseLimit(q.Get("limit"))}, nil
}

// Scope orders by sort then id and seeks past the cursor. It fetches one
// extra row so BuildCursorPage can tell whether a next page exists.
func (p CursorParams) Scope(sort Sort) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		dir, op := "ASC", ">"
		if sort.Desc {
			dir, op = "DESC", "<"
		}
		if p.Cursor != nil {
			if sort.Column == "id" {
				db = db.Where(fmt.Sprintf("id %s ?", op), p.Cursor.ID)
			} else {
				db = db.Where(fmt.Sprintf("(%s, id) %s (?, ?)", sort.Column, op), p.Cursor.Value, p.Cursor.ID)
			}
		}
		if sort.Column != "id" {
			db = db.Order(sort.Column + " " + dir)
		}
		return db.Order("id " + dir).Limit(p.Limit + 1)
	}
}

type CursorMeta struct {
	Limit      int    `json:"limit"`
	NextCursor string `json:"nextCursor,omitempty"`
	HasNext    bool   `json:"hasNext"`
	// HasPrev is always false: cursors only move forward.
	HasPrev bool `json:"hasPrev"`
}

// BuildCursorPage trims the look-ahead row and computes the next cursor.
func BuildCursorPage[T any](rows []T, limit int, cursorOf func(T) Cursor) ([]T, CursorMeta) {
	meta := CursorMeta{Limit: limit}
	if len(rows) > limit {
		rows = rows[:limit]
		meta.HasNext = true
	}
	if meta.HasNext && len(rows) > 0 {
		meta.NextCursor = EncodeCursor(cursorOf(rows[len(rows)-1]))
	}
	return rows, meta
}

// Sort is a whitelisted order column.
type Sort struct {
	Field  string `json:"field"`
	Column string `json:"-"`
	Desc   bool   `json:"desc"`
}

func (s Sort) Clause() string {
	if s.Desc {
		return s.Column + " DESC"
	}
	return s.Column + " ASC"
}

// ParseSort reads "field" or "-field". allowed maps API field names to
// columns; anything else yields def.
func ParseSort(raw string, allowed map[string]string, def Sort) Sort {
	raw = strings.TrimSpace(raw)
	desc := strings.HasPrefix(raw, "-")
	name := strings.TrimPrefix(raw, "-")
	if col, ok := allowed[name]; ok && name != "" {
		return Sort{Field: name, Column: col, Desc: desc}
	}
	return def
}

// ParseFilters keeps only whitelisted query keys, keyed by column.
func ParseFilters(q url.Values, allowed map[string]string) map[string]string {
	filters := make(map[string]string)
	for key, col := range allowed {
		if v := strings.TrimSpace(q.Get(key)); v != "" {
			filters[col] = v
		}
	}
	return filters
}

// FilterScope applies equality filters produced by ParseFilters.
func FilterScope(filters map[string]string) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		for col, v := range filters {
			db = db.Where(col+" = ?", v)
		}
		return db
	}
}
