package tests

import (
	"fmt"

	"github.com/evolvechain/settler/internal/config"
	"github.com/evolvechain/settler/pkg/storage"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

func GetConfig() *config.Config {
	return config.NewConfig()
}

// GetSqliteDatabaseConnection opens a private in-memory sqlite database with
// the settler's tables migrated, for store tests that need real SQL.
func GetSqliteDatabaseConnection() (*gorm.DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&storage.RewardEvent{}, &storage.DistributionRecord{}); err != nil {
		return nil, err
	}
	return db, nil
}
