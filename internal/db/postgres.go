// Package db wires the Postgres connection the persistence layer runs on:
// an options-from-config constructor, a GORM logger that swallows
// record-not-found noise, and a single AutoMigrateAll call.
package db

import (
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/geoharmony/orchestrator/internal/config"
	"github.com/geoharmony/orchestrator/internal/domain"
	"github.com/geoharmony/orchestrator/internal/logger"
)

type PostgresService struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPostgresService(logg *logger.Logger, cfg config.Config) (*PostgresService, error) {
	serviceLog := logg.With("component", "PostgresService")

	gormLog := gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             1 * time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	serviceLog.Info("connecting to postgres...")
	gdb, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLog,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	return &PostgresService{db: gdb, log: serviceLog}, nil
}

// AutoMigrateAll creates/updates the jobs, job_links, workflow_steps, and
// work_items tables. GORM's AutoMigrate is additive only, so the schema
// moves forward without destructive changes.
func (s *PostgresService) AutoMigrateAll() error {
	s.log.Info("auto-migrating schema...")
	err := s.db.AutoMigrate(
		&domain.Job{},
		&domain.WorkflowStep{},
		&domain.WorkItem{},
		&domain.JobLink{},
	)
	if err != nil {
		s.log.Error("auto migration failed", "error", err)
		return err
	}
	return nil
}

func (s *PostgresService) DB() *gorm.DB {
	return s.db
}
