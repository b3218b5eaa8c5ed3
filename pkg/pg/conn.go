package pg

import (
	"database/sql"
)

type Config struct {
	User         string `env:"USER"`
	Host         string `env:"HOST"`
	Port         string `env:"PORT"`
	Password     string `env:"PASSWORD"`
	Database     string `env:"DBNAME"`
	MaxOpenConns int    `env:"MAX_OPEN_CONNS"`
	MaxIdleConns int    `env:"MAX_IDLE_CONNS"`
}

func newSqlConnection(config Config) (*sql.DB, error) {
	return sql.Open("postgres", dsn(config))
}
