package repository

import (
	"testing"

	"github.com/opensource-finance/canomaly/internal/domain"
)

func TestSQLiteDSN(t *testing.T) {
	got := sqliteDSN("/tmp/canomaly.db")
	want := "file:/tmp/canomaly.db?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
	if got != want {
		t.Errorf("sqliteDSN() = %s, want %s", got, want)
	}
}

func TestPostgresDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  domain.RepositoryConfig
		want string
	}{
		{
			name: "Defaults",
			cfg:  domain.RepositoryConfig{},
			want: "postgres://localhost:5432/canomaly?sslmode=disable",
		},
		{
			name: "Credentials",
			cfg: domain.RepositoryConfig{
				PostgresHost:     "db",
				PostgresPort:     6543,
				PostgresDB:       "tickets",
				PostgresUser:     "canomaly",
				PostgresPassword: "p@ss word",
				PostgresSSLMode:  "require",
			},
			want: "postgres://canomaly:p%40ss%20word@db:6543/tickets?sslmode=require",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := postgresDSN(tt.cfg); got != tt.want {
				t.Errorf("postgresDSN() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestOpenUnsupportedDriver(t *testing.T) {
	if _, err := New(domain.RepositoryConfig{Driver: "mysql"}); err == nil {
		t.Error("expected error for unsupported driver")
	}
}
