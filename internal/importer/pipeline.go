package importer

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEmptyFile     = errors.New("csv file is empty")
	ErrNoPhoneColumn = errors.New("no phone column found in header")
)

// Field is a contact attribute recognised in a CSV header.
type Field string

const (
	FieldPhone     Field = "phone"
	FieldFirstName Field = "firstName"
	FieldLastName  Field = "lastName"
	FieldEmail     Field = "email"
	FieldTags      Field = "tags"
)

// headerAliases are matched as case-insensitive substrings, English and
// Dutch. Order matters: earlier fields claim a column first.
var headerAliases = []struct {
	field   Field
	aliases []string
}{
	{FieldPhone, []string{"phone", "mobile", "whatsapp", "telefoon", "mobiel", "gsm"}},
	{FieldEmail, []string{"mail"}},
	{FieldFirstName, []string{"first", "given", "voornaam"}},
	{FieldLastName, []string{"last", "surname", "family", "achternaam"}},
	{FieldTags, []string{"tag", "label", "groep", "group"}},
}

// Options tune a single import run.
type Options struct {
	// DefaultRegion is the ISO 3166 region used for national numbers.
	DefaultRegion string
}

// Contact is one accepted row.
type Contact struct {
	Row          int               `json:"row"`
	Phone        string            `json:"phone"`
	FirstName    string            `json:"firstName,omitempty"`
	LastName     string            `json:"lastName,omitempty"`
	Email        string            `json:"email,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	CustomFields map[string]string `json:"customFields,omitempty"`
}

type RowError struct {
	Row       int    `json:"row"`
	Field     string `json:"field"`
	Value     string `json:"value"`
	Message   string `json:"message"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

type Stats struct {
	Total      int `json:"total"`
	Valid      int `json:"valid"`
	Invalid    int `json:"invalid"`
	Duplicates int `json:"duplicates"`
}

type Result struct {
	Success  bool           `json:"success"`
	Contacts []Contact      `json:"contacts"`
	Errors   []RowError     `json:"errors"`
	Stats    Stats          `json:"stats"`
	Columns  map[Field]int  `json:"-"`
	Custom   map[int]string `json:"-"`
}

// ParseCSV runs the whole import pass over text. Row-level problems are
// collected in Result.Errors; only a missing header or phone column fails
// the call.
func ParseCSV(text string, opts Options) (*Result, error) {
	lines := splitLines(text)
	if len(lines) == 0 {
		return nil, ErrEmptyFile
	}

	columns, custom := mapHeader(ParseLine(lines[0]))
	phoneIdx, ok := columns[FieldPhone]
	if !ok {
		return nil, ErrNoPhoneColumn
	}

	res := &Result{
		Contacts: []Contact{},
		Errors:   []RowError{},
		Columns:  columns,
		Custom:   custom,
	}
	seen := make(map[string]int)

	for i, line := range lines[1:] {
		row := i + 2
		values := ParseLine(line)
		res.Stats.Total++

		rawPhone := valueAt(values, phoneIdx)
		if rawPhone == "" {
			res.Stats.Invalid++
			res.Errors = append(res.Errors, RowError{Row: row, Field: string(FieldPhone), Message: "Phone number is required"})
			continue
		}

		phone, err := NormalizePhone(rawPhone, opts.DefaultRegion)
		if err != nil {
			res.Stats.Invalid++
			res.Errors = append(res.Errors, RowError{Row: row, Field: string(FieldPhone), Value: rawPhone, Message: "Invalid phone number"})
			continue
		}

		if first, dup := seen[phone]; dup {
			res.Stats.Duplicates++
			res.Errors = append(res.Errors, RowError{
				Row:       row,
				Field:     string(FieldPhone),
				Value:     rawPhone,
				Message:   fmt.Sprintf("Duplicate phone number (first seen on row %d)", first),
				Duplicate: true,
			})
			continue
		}
		seen[phone] = row

		contact := Contact{
			Row:       row,
			Phone:     phone,
			FirstName: field(values, columns, FieldFirstName),
			LastName:  field(values, columns, FieldLastName),
			Tags:      SplitTags(field(values, columns, FieldTags)),
		}

		if email := field(values, columns, FieldEmail); email != "" {
			if IsValidEmail(email) {
				contact.Email = strings.ToLower(email)
			} else {
				res.Errors = append(res.Errors, RowError{Row: row, Field: string(FieldEmail), Value: email, Message: "Invalid email address"})
			}
		}

		for idx, name := range custom {
			if v := valueAt(values, idx); v != "" {
				if contact.CustomFields == nil {
					contact.CustomFields = make(map[string]string)
				}
				contact.CustomFields[name] = v
			}
		}

		res.Stats.Valid++
		res.Contacts = append(res.Contacts, contact)
	}

	res.Success = res.Stats.Valid > 0
	return res, nil
}

// mapHeader assigns each header cell to at most one known field; anything
// unmatched becomes a custom field keyed by its original header text.
func mapHeader(header []string) (map[Field]int, map[int]string) {
	columns := make(map[Field]int)
	custom := make(map[int]string)

	for idx, cell := range header {
		name := strings.ToLower(strings.TrimSpace(cell))
		if name == "" {
			continue
		}
		if f, ok := matchField(name, columns); ok {
			columns[f] = idx
			continue
		}
		custom[idx] = strings.TrimSpace(cell)
	}
	return columns, custom
}

func matchField(name string, taken map[Field]int) (Field, bool) {
	for _, h := range headerAliases {
		if _, used := taken[h.field]; used {
			continue
		}
		for _, alias := range h.aliases {
			if strings.Contains(name, alias) {
				return h.field, true
			}
		}
	}
	// a bare "name" column is a first name
	if _, used := taken[FieldFirstName]; !used && (name == "name" || name == "naam") {
		return FieldFirstName, true
	}
	return "", false
}

// SplitTags splits on comma, semicolon or pipe, trimming and dropping
// empties and repeats.
func SplitTags(raw string) []string {
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';' || r == '|'
	})
	var tags []string
	seen := make(map[string]bool, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		tags = append(tags, p)
	}
	return tags
}

func field(values []string, columns map[Field]int, f Field) string {
	idx, ok := columns[f]
	if !ok {
		return ""
	}
	return valueAt(values, idx)
}

func valueAt(values []string, idx int) string {
	if idx < 0 || idx >= len(values) {
		return ""
	}
	return strings.TrimSpace(values[idx])
}
