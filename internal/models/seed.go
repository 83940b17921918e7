package models

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// SeedOwnerFromEnv creates the first organization and its OWNER from
// CHIRP_OWNER_EMAIL, CHIRP_OWNER_PASSWORD and CHIRP_OWNER_ORG. It does
// nothing when the email is unset or a user with that email exists.
func SeedOwnerFromEnv(db *gorm.DB) (bool, error) {
	email, ok := os.LookupEnv("CHIRP_OWNER_EMAIL")
	if !ok || email == "" {
		return false, nil
	}

	var existing User
	err := db.Where("email = ?", email).First(&existing).Error
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, err
	}

	password := os.Getenv("CHIRP_OWNER_PASSWORD")
	if len(password) < 8 {
		return false, fmt.Errorf("CHIRP_OWNER_PASSWORD must be at least 8 characters")
	}
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return false, fmt.Errorf("failed to hash password: %v", err)
	}

	orgName := os.Getenv("CHIRP_OWNER_ORG")
	if orgName == "" {
		orgName = email + "'s Organization"
	}
	plan := PlanTier(os.Getenv("CHIRP_OWNER_PLAN"))
	if !plan.Valid() {
		plan = PlanFree
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		org := Organization{Name: orgName, Plan: plan}
		if err := tx.Create(&org).Error; err != nil {
			return fmt.Errorf("failed to create organization: %v", err)
		}
		user := User{
			Email:          email,
			PasswordHash:   string(hashedPassword),
			Role:           UserRoleOwner,
			OrganizationID: org.ID,
		}
		if err := tx.Create(&user).Error; err != nil {
			return fmt.Errorf("failed to create owner: %v", err)
		}
		return nil
	})
	return err == nil, err
}
