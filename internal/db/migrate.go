package db

import (
	"fmt"

	"github.com/zulandar/trestle/internal/config"
	"github.com/zulandar/trestle/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AllModels returns all GORM models for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Buildset{},
		&models.BuildsetSourceStamp{},
		&models.BuildRequest{},
		&models.BuildRequestClaim{},
		&models.Build{},
		&models.Builder{},
		&models.Worker{},
		&models.Master{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// SeedBuilders upserts Builder rows from configuration and deactivates
// rows no longer present in the config.
func SeedBuilders(gdb *gorm.DB, builders []config.BuilderConfig) error {
	names := make([]string, 0, len(builders))
	for _, bc := range builders {
		builder := models.Builder{
			Name:        bc.Name,
			Description: bc.Description,
			Active:      true,
		}
		result := gdb.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"description", "active"}),
		}).Create(&builder)
		if result.Error != nil {
			return fmt.Errorf("db: seed builder %q: %w", bc.Name, result.Error)
		}
		names = append(names, bc.Name)
	}

	if err := gdb.Model(&models.Builder{}).
		Where("name NOT IN ?", names).
		Update("active", false).Error; err != nil {
		return fmt.Errorf("db: deactivate removed builders: %w", err)
	}
	return nil
}
