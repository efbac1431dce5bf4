package db

import "time"

type Config struct {
	Type            string
	Host            string
	Port            string
	Name            string
	User            string
	Password        string
	SSLMode         string
	Path            string
	MaxIdleConn     int
	MaxOpenConn     int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	TracingEnabled bool
	MetricsEnabled bool
}

const (
	TypePostgres = "postgres"
	TypeMySQL    = "mysql"
	TypeSQLite   = "sqlite"
	TypeMongo    = "mongo"
	TypeMemory   = "memory"
)

// IsSQL reports whether the configured backend is served through gorm.
func (c Config) IsSQL() bool {
	switch c.Type {
	case TypePostgres, TypeMySQL, TypeSQLite:
		return true
	default:
		return false
	}
}
