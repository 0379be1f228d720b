package db

import (
	"fmt"

	"github.com/zulandar/pressline/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DSN builds a MySQL DSN for the schedule database.
func DSN(host string, port int, database string) string {
	return fmt.Sprintf("root@tcp(%s:%d)/%s?parseTime=true", host, port, database)
}

// Connect opens a GORM connection using the configured driver. MySQL is
// the production backend; SQLite serves single-machine deployments.
func Connect(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.Path)
	default:
		dialector = mysql.Open(DSN(cfg.Host, cfg.Port, cfg.Name))
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: connect %s: %w", cfg.Driver, err)
	}
	return db, nil
}

// ConnectAdmin opens a GORM connection to the MySQL server without
// selecting a database, used for CREATE DATABASE operations.
func ConnectAdmin(host string, port int) (*gorm.DB, error) {
	dsn := fmt.Sprintf("root@tcp(%s:%d)/?parseTime=true", host, port)
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: admin connect to %s:%d: %w", host, port, err)
	}
	return db, nil
}

// CreateDatabase creates the named database if it doesn't already exist.
func CreateDatabase(adminDB *gorm.DB, name string) error {
	sql := fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", name)
	if err := adminDB.Exec(sql).Error; err != nil {
		return fmt.Errorf("db: create database %s: %w", name, err)
	}
	return nil
}
