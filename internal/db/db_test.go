package db

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/zulandar/leadyard/internal/config"
	"github.com/zulandar/leadyard/internal/models"
	"gorm.io/gorm"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	gormDB, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := AutoMigrate(gormDB); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	return gormDB
}

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.DatabaseConfig
		want string
	}{
		{
			name: "default local",
			cfg:  config.DatabaseConfig{User: "root", Host: "127.0.0.1", Port: 3306, Name: "leadyard"},
			want: "root@tcp(127.0.0.1:3306)/leadyard?parseTime=true",
		},
		{
			name: "with password",
			cfg:  config.DatabaseConfig{User: "market", Password: "pw", Host: "10.0.0.5", Port: 3307, Name: "leads"},
			want: "market:pw@tcp(10.0.0.5:3307)/leads?parseTime=true",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DSN(tt.cfg); got != tt.want {
				t.Errorf("DSN() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPostgresDSN(t *testing.T) {
	dsn := PostgresDSN(config.DatabaseConfig{Host: "db", Port: 5432, User: "pg", Name: "leadyard"})
	for _, part := range []string{"host=db", "port=5432", "user=pg", "dbname=leadyard", "TimeZone=UTC"} {
		if !strings.Contains(dsn, part) {
			t.Errorf("PostgresDSN missing %q: %s", part, dsn)
		}
	}
	if strings.Contains(dsn, "password=") {
		t.Errorf("PostgresDSN should omit empty password: %s", dsn)
	}

	withPW := PostgresDSN(config.DatabaseConfig{Host: "db", Port: 5432, User: "pg", Password: "x", Name: "l"})
	if !strings.Contains(withPW, "password=x") {
		t.Errorf("PostgresDSN missing password: %s", withPW)
	}
}

func TestConnect_UnsupportedDriver(t *testing.T) {
	_, err := Connect(config.DatabaseConfig{Driver: "oracle"})
	if err == nil || !strings.Contains(err.Error(), "unsupported driver") {
		t.Fatalf("Connect(oracle) error = %v", err)
	}
}

func TestConnect_SQLite(t *testing.T) {
	gormDB, err := Connect(config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"})
	if err != nil {
		t.Fatalf("Connect(sqlite): %v", err)
	}
	sqlDB, _ := gormDB.DB()
	if got := sqlDB.Stats().MaxOpenConnections; got != 1 {
		t.Errorf("MaxOpenConnections = %d, want 1", got)
	}
}

func TestAutoMigrate_CreatesTables(t *testing.T) {
	gormDB := testDB(t)
	for _, m := range AllModels() {
		if !gormDB.Migrator().HasTable(m) {
			t.Errorf("table for %T not created", m)
		}
	}
}

func TestIsDuplicate_UniqueIndex(t *testing.T) {
	gormDB := testDB(t)

	p := models.Purchase{LeadID: 1, BuyerID: "b1", IdempotencyKey: "k1"}
	if err := gormDB.Create(&p).Error; err != nil {
		t.Fatalf("create: %v", err)
	}

	dup := models.Purchase{LeadID: 1, BuyerID: "b1", IdempotencyKey: "k2"}
	err := gormDB.Create(&dup).Error
	if !IsDuplicate(err) {
		t.Fatalf("second purchase for same (lead, buyer): err = %v, want duplicate", err)
	}
	if !IsDuplicate(fmt.Errorf("wrapped: %w", err)) {
		t.Error("IsDuplicate should see through wrapping")
	}
	if IsDuplicate(errors.New("other")) {
		t.Error("IsDuplicate(other) should be false")
	}
}

func TestUpsertContact(t *testing.T) {
	gormDB := testDB(t)

	if err := UpsertContact(gormDB, models.Contact{UserID: "u1", Email: "a@example.com"}); err != nil {
		t.Fatalf("UpsertContact: %v", err)
	}
	if err := UpsertContact(gormDB, models.Contact{UserID: "u1", Email: "b@example.com", DisplayName: "Bea"}); err != nil {
		t.Fatalf("UpsertContact update: %v", err)
	}

	c, err := GetContact(gormDB, "u1")
	if err != nil {
		t.Fatalf("GetContact: %v", err)
	}
	if c.Email != "b@example.com" || c.DisplayName != "Bea" {
		t.Errorf("contact = %+v, want updated email and name", c)
	}

	var count int64
	gormDB.Model(&models.Contact{}).Count(&count)
	if count != 1 {
		t.Errorf("contacts = %d, want 1", count)
	}
}

func TestUpsertContact_RequiresUser(t *testing.T) {
	if err := UpsertContact(testDB(t), models.Contact{}); err == nil {
		t.Fatal("expected error for empty user id")
	}
}
