package postgres

import (
	"database/sql"
	"fmt"

	"github.com/evolvechain/settler/internal/config"
	"github.com/evolvechain/settler/pkg/storage"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
	gormPostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

const defaultSSLMode = "disable"

// PostgresConfig contains the connection parameters for the settler's
// postgres database.
type PostgresConfig struct {
	Host       string
	Port       int
	Username   string
	Password   string
	DbName     string
	SchemaName string
	SSLMode    string
}

// Postgres represents a connection to a PostgreSQL database.
type Postgres struct {
	Db *sql.DB
}

func PostgresConfigFromDbConfig(dbCfg *config.DatabaseConfig) *PostgresConfig {
	return &PostgresConfig{
		Host:       dbCfg.Host,
		Port:       dbCfg.Port,
		Username:   dbCfg.User,
		Password:   dbCfg.Password,
		DbName:     dbCfg.DbName,
		SchemaName: dbCfg.SchemaName,
	}
}

func getPostgresConnectionString(cfg *PostgresConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = defaultSSLMode
	}
	connStr := fmt.Sprintf("host=%s port=%d dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.DbName, sslMode,
	)
	if cfg.Username != "" {
		connStr = fmt.Sprintf("%s user=%s", connStr, cfg.Username)
	}
	if cfg.Password != "" {
		connStr = fmt.Sprintf("%s password=%s", connStr, cfg.Password)
	}
	if cfg.SchemaName != "" {
		connStr = fmt.Sprintf("%s search_path=%s", connStr, cfg.SchemaName)
	}
	return connStr
}

// NewPostgres opens and verifies a connection to the configured database.
func NewPostgres(cfg *PostgresConfig) (*Postgres, error) {
	db, err := sql.Open("postgres", getPostgresConnectionString(cfg))
	if err != nil {
		return nil, fmt.Errorf("error connecting to postgres database: %v", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping postgres database: %v", err)
	}
	return &Postgres{Db: db}, nil
}

// NewGormFromPostgresConnection wraps an existing sql.DB in a gorm session.
func NewGormFromPostgresConnection(pgDb *sql.DB) (*gorm.DB, error) {
	return gorm.Open(gormPostgres.New(gormPostgres.Config{
		Conn: pgDb,
	}), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
}

// MigrateModels creates or updates the settler's tables.
func MigrateModels(grm *gorm.DB, l *zap.Logger) error {
	l.Sugar().Infow("Migrating database models")
	return grm.AutoMigrate(
		&storage.RewardEvent{},
		&storage.DistributionRecord{},
	)
}
