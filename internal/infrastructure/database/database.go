package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"clubledger/internal/config"
	"clubledger/internal/model"
)

// systemTypeNamespace derives stable ids for the seeded entry types so that
// seeding is idempotent across restarts and replicas.
var systemTypeNamespace = uuid.MustParse("6f1c1a52-3f0e-4b7e-9a57-2a4d8f1c0b11")

// SystemEntryTypeID returns the fixed id of a seeded entry type.
func SystemEntryTypeID(code string) string {
	return uuid.NewSHA1(systemTypeNamespace, []byte(code)).String()
}

// Dialector picks the gorm driver for the configured database.
func Dialector(cfg *config.DatabaseConfig) (gorm.Dialector, error) {
	switch cfg.Driver {
	case "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			cfg.User,
			cfg.Password,
			cfg.Host,
			cfg.Port,
			cfg.Database,
		)
		return mysql.Open(dsn), nil
	case "postgres":
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
			cfg.Host,
			cfg.Port,
			cfg.User,
			cfg.Password,
			cfg.Database,
			cfg.SSLMode,
		)
		return postgres.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// Open connects to the database, configures the pool and, when enabled,
// migrates the schema and seeds the system entry types.
func Open(cfg *config.DatabaseConfig, log logrus.FieldLogger) (*gorm.DB, error) {
	dialector, err := Dialector(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if cfg.AutoMigrate {
		if err := Migrate(db); err != nil {
			return nil, err
		}
	}
	if err := SeedSystemEntryTypes(context.Background(), db); err != nil {
		return nil, err
	}

	log.WithField("driver", cfg.Driver).Info("database connected")
	return db, nil
}

// Migrate creates or updates the ledger tables.
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&model.EntryType{},
		&model.AccountEntry{},
		&model.PaymentSession{},
		&model.OutboxMessage{},
	)
	if err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// SeedSystemEntryTypes inserts the immutable system catalog. Existing rows are left untouched.
func SeedSystemEntryTypes(ctx context.Context, db *gorm.DB) error {
	types := make([]model.EntryType, 0, len(model.SystemEntryTypes))
	for _, et := range model.SystemEntryTypes {
		et.ID = SystemEntryTypeID(et.Code)
		et.IsSystem = true
		et.ClubID = nil
		types = append(types, et)
	}

	err := db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&types).Error
	if err != nil {
		return fmt.Errorf("seed system entry types: %w", err)
	}
	return nil
}
