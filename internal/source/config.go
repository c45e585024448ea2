// Package source owns connections to the legacy point-of-sale databases.
//
// Every configured source gets its own small database/sql pool; a sync
// borrows one exclusive connection from it for the duration of a source's
// tables and always gives it back.
package source

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/xtxerr/possync/config"
	"github.com/xtxerr/possync/internal/transform"
)

// Driver identifies the database engine behind a source.
type Driver string

const (
	DriverMySQL    Driver = "mysql"
	DriverPostgres Driver = "postgres"
	DriverSQLite   Driver = "sqlite"
)

// Valid reports whether d is a supported driver.
func (d Driver) Valid() bool {
	switch d {
	case DriverMySQL, DriverPostgres, DriverSQLite:
		return true
	}
	return false
}

// sqlDriver returns the database/sql driver name registered for d.
func (d Driver) sqlDriver() string {
	switch d {
	case DriverPostgres:
		return "pgx"
	case DriverSQLite:
		return "sqlite3"
	default:
		return "mysql"
	}
}

// Config describes one legacy source database. It is immutable once loaded.
type Config struct {
	// ID is the stable identifier stored as database_source.
	ID string

	// Name is the display name.
	Name string

	Driver Driver

	// DSN, when set, is used verbatim. Otherwise the DSN is built from the
	// discrete connection fields below.
	DSN string

	Host     string
	Port     int
	User     string
	Password string

	// Database is the schema name, or the file path for sqlite.
	Database string

	// TLS requests an encrypted connection (mysql, postgres).
	TLS bool

	// MaxConnections caps open connections to this source.
	MaxConnections int

	// Locations maps source-local location codes to names.
	Locations map[int64]string

	// Tables holds per-table schema deviations, keyed by canonical table.
	Tables map[string]transform.Mapping
}

// DisplayName returns Name, falling back to ID.
func (c *Config) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}

// HasCredentials reports whether enough connection parameters are present
// to attempt a connection.
func (c *Config) HasCredentials() bool {
	if c.DSN != "" {
		return true
	}
	if c.Driver == DriverSQLite {
		return c.Database != ""
	}
	return c.Host != "" && c.User != "" && c.Database != ""
}

// Mapping returns the schema mapping for a canonical table.
func (c *Config) Mapping(table string) transform.Mapping {
	return c.Tables[table]
}

// DataSourceName builds the driver-specific DSN.
func (c *Config) DataSourceName(connectTimeout time.Duration) (string, error) {
	if !c.Driver.Valid() {
		return "", fmt.Errorf("unsupported driver %q", c.Driver)
	}
	if c.DSN != "" {
		if c.Driver == DriverSQLite && !strings.HasPrefix(c.DSN, "file:") {
			return "file:" + c.DSN, nil
		}
		return c.DSN, nil
	}
	if !c.HasCredentials() {
		return "", fmt.Errorf("source %q has no credentials", c.ID)
	}

	switch c.Driver {
	case DriverSQLite:
		return "file:" + c.Database, nil

	case DriverPostgres:
		port := c.Port
		if port == 0 {
			port = config.DefaultPostgresPort
		}
		q := url.Values{}
		if c.TLS {
			q.Set("sslmode", "require")
		} else {
			q.Set("sslmode", "disable")
		}
		if connectTimeout > 0 {
			q.Set("connect_timeout", strconv.Itoa(int(connectTimeout.Seconds())))
		}
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(c.User, c.Password),
			Host:     net.JoinHostPort(c.Host, strconv.Itoa(port)),
			Path:     "/" + c.Database,
			RawQuery: q.Encode(),
		}
		return u.String(), nil

	default:
		port := c.Port
		if port == 0 {
			port = config.DefaultMySQLPort
		}
		mc := mysql.NewConfig()
		mc.User = c.User
		mc.Passwd = c.Password
		mc.Net = "tcp"
		mc.Addr = net.JoinHostPort(c.Host, strconv.Itoa(port))
		mc.DBName = c.Database
		mc.Timeout = connectTimeout
		if c.TLS {
			mc.TLSConfig = "true"
		}
		return mc.FormatDSN(), nil
	}
}

// Dialect returns the SQL dialect of the source.
func (c *Config) Dialect() Dialect {
	return Dialect{driver: c.Driver}
}

// Dialect covers the few SQL differences between source engines.
type Dialect struct {
	driver Driver
}

// Placeholder returns the n-th (1-based) bind parameter marker.
func (d Dialect) Placeholder(n int) string {
	if d.driver == DriverPostgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}
