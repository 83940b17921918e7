package models

import (
	"strings"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// BeforeSave keeps contact columns in their canonical form.
func (c *Contact) BeforeSave(tx *gorm.DB) error {
	c.Email = strings.ToLower(strings.TrimSpace(c.Email))
	c.FirstName = strings.TrimSpace(c.FirstName)
	c.LastName = strings.TrimSpace(c.LastName)
	if len(c.CustomFields) == 0 {
		c.CustomFields = datatypes.JSON("{}")
	}
	return nil
}

// BeforeSave lowercases the login email so lookups are case-insensitive.
func (u *User) BeforeSave(tx *gorm.DB) error {
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	return nil
}
