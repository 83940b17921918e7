package importer

import (
	"bytes"
	"encoding/csv"
	"io"
	"sort"
	"strings"
)

var exportHeader = []string{"phone", "first_name", "last_name", "email", "tags"}

// TemplateExample is the sample row embedded in GenerateCSVTemplate.
var TemplateExample = Contact{
	Phone:        "+31612345678",
	FirstName:    "Jan",
	LastName:     "Jansen",
	Email:        "jan@example.com",
	Tags:         []string{"customer", "vip"},
	CustomFields: map[string]string{"company": "Acme BV"},
}

// GenerateCSVTemplate returns a header row plus one example row that
// ParseCSV accepts as exactly one valid contact.
func GenerateCSVTemplate() string {
	var buf bytes.Buffer
	// writing into a bytes.Buffer cannot fail
	_ = WriteCSV(&buf, []Contact{TemplateExample})
	return buf.String()
}

// WriteCSV exports contacts in the import format, so the output can be
// re-imported unchanged. Custom fields become extra columns in sorted order.
func WriteCSV(w io.Writer, contacts []Contact) error {
	customKeys := customColumns(contacts)

	writer := csv.NewWriter(w)
	if err := writer.Write(append(append([]string{}, exportHeader...), customKeys...)); err != nil {
		return err
	}

	for _, c := range contacts {
		record := []string{c.Phone, c.FirstName, c.LastName, c.Email, strings.Join(c.Tags, ";")}
		for _, k := range customKeys {
			record = append(record, c.CustomFields[k])
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func customColumns(contacts []Contact) []string {
	set := make(map[string]bool)
	for _, c := range contacts {
		for k := range c.CustomFields {
			set[k] = true
		}
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
