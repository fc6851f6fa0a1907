package db

import (
	"fmt"

	"github.com/zulandar/leadyard/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AllModels returns every GORM model for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Lead{},
		&models.Purchase{},
		&models.Subscription{},
		&models.LeadView{},
		&models.Conversation{},
		&models.Message{},
		&models.Contact{},
	}
}

// AutoMigrate creates or updates all tables and their unique indexes.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// UpsertContact writes or updates the notification contact for a user.
func UpsertContact(db *gorm.DB, contact models.Contact) error {
	if contact.UserID == "" {
		return fmt.Errorf("db: contact user id is required")
	}
	result := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "display_name", "updated_at"}),
	}).Create(&contact)
	if result.Error != nil {
		return fmt.Errorf("db: upsert contact %s: %w", contact.UserID, result.Error)
	}
	return nil
}

// GetContact returns the contact for userID.
func GetContact(db *gorm.DB, userID string) (*models.Contact, error) {
	var c models.Contact
	if err := db.Where("user_id = ?", userID).First(&c).Error; err != nil {
		return nil, fmt.Errorf("db: get contact %s: %w", userID, err)
	}
	return &c, nil
}
