package pool

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/coursegrid/coursegrid/pkg/config"
)

// Params are the connection parameters of one logical database.
type Params struct {
	Name         string
	Host         string
	Port         int
	User         string
	Password     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

func (p Params) DSN() string {
	sslMode := p.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Name, sslMode,
	)
}

// Dialer turns connection parameters into a gorm dialector.
type Dialer func(Params) gorm.Dialector

func PostgresDialer(p Params) gorm.Dialector {
	return postgres.Open(p.DSN())
}

// SuperParams describes the super-tenant database.
func SuperParams(cfg config.DatabaseConfig) Params {
	return Params{
		Name:         cfg.Database,
		Host:         cfg.Host,
		Port:         cfg.Port,
		User:         cfg.User,
		Password:     cfg.Password,
		SSLMode:      cfg.SSLMode,
		MaxOpenConns: cfg.MaxOpenConns,
		MaxIdleConns: cfg.MaxIdleConns,
	}
}

// TenantParams fills the template for a new tenant database.
func TenantParams(cfg config.TenantsConfig, name string) Params {
	return Params{
		Name:         name,
		Host:         cfg.Host,
		Port:         cfg.Port,
		User:         cfg.User,
		Password:     cfg.Password,
		SSLMode:      cfg.SSLMode,
		MaxOpenConns: cfg.MaxOpenConns,
		MaxIdleConns: cfg.MaxIdleConns,
	}
}
