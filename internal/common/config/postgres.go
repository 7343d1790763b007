package config

import "time"

type PostgresConfig struct {
	// libpq style key/value connection parameters, e.g. host, port, user, password, dbname, sslmode
	Connection map[string]string `validate:"required"`
	// Upper bound on the size of the connection pool
	MaxOpenConns int32 `validate:"gte=0"`
	// Number of connections kept open even when idle
	MinOpenConns int32 `validate:"gte=0,ltefield=MaxOpenConns"`
	// Connections idle for longer than this are closed
	MaxConnIdleTime time.Duration
}
