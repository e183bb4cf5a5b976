package database

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/agileware/com.drastikbydesign.stripe/internal/config"
	"github.com/agileware/com.drastikbydesign.stripe/internal/models"
)

// Open connects to postgres using the configured DSN and verifies the
// connection with a ping.
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s",
		cfg.Host, cfg.User, cfg.Password, cfg.Name, cfg.Port, cfg.SSLMode)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	return db, nil
}

// Migrate creates or updates the tables backing the local payment state.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.CustomerLink{},
		&models.PaymentIntentRecord{},
		&models.RecurringSchedule{},
		&models.RefundRecord{},
		&models.NotificationEvent{},
	)
}
