package db

import (
	"strings"
	"testing"

	"github.com/zulandar/trestle/internal/config"
	"github.com/zulandar/trestle/internal/models"
	"gorm.io/gorm"
)

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.DatabaseConfig
		want string
	}{
		{
			name: "default local",
			cfg: config.DatabaseConfig{
				Host: "127.0.0.1", Port: 3306, User: "root", Name: "trestle",
			},
			want: "root@tcp(127.0.0.1:3306)/trestle?parseTime=true",
		},
		{
			name: "with password",
			cfg: config.DatabaseConfig{
				Host: "10.0.0.5", Port: 3307, User: "ci", Password: "hunter2", Name: "trestle_prod",
			},
			want: "ci:hunter2@tcp(10.0.0.5:3307)/trestle_prod?parseTime=true",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DSN(tt.cfg)
			if got != tt.want {
				t.Errorf("DSN() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDSN_ParseTimeFlag(t *testing.T) {
	dsn := DSN(config.DatabaseConfig{Host: "localhost", Port: 3306, User: "root", Name: "test"})
	if !strings.Contains(dsn, "parseTime=true") {
		t.Errorf("DSN missing parseTime=true: %s", dsn)
	}
}

func TestConnect_UnknownDriver(t *testing.T) {
	_, err := Connect(config.DatabaseConfig{Driver: "postgres"})
	if err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if !strings.Contains(err.Error(), "unknown driver") {
		t.Errorf("error = %q, want to mention unknown driver", err)
	}
}

func TestConnect_SQLiteMemory(t *testing.T) {
	gdb, err := Connect(config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := AutoMigrate(gdb); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	// Duplicate-key translation must be on: the claim store depends
	// on it.
	if err := gdb.Create(&models.Builder{Name: "linux", Active: true}).Error; err != nil {
		t.Fatalf("create builder: %v", err)
	}
	err = gdb.Create(&models.Builder{Name: "linux", Active: true}).Error
	if err != gorm.ErrDuplicatedKey {
		t.Errorf("duplicate create error = %v, want gorm.ErrDuplicatedKey", err)
	}
}

func TestAllModels_Count(t *testing.T) {
	if got := len(AllModels()); got != 8 {
		t.Errorf("AllModels() returned %d models, want 8", got)
	}
}

func TestSeedBuilders(t *testing.T) {
	gdb, err := Connect(config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := AutoMigrate(gdb); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}

	first := []config.BuilderConfig{
		{Name: "linux", Description: "linux builds"},
		{Name: "windows", Description: "windows builds"},
	}
	if err := SeedBuilders(gdb, first); err != nil {
		t.Fatalf("SeedBuilders: %v", err)
	}

	var count int64
	gdb.Model(&models.Builder{}).Where("active = ?", true).Count(&count)
	if count != 2 {
		t.Fatalf("active builders = %d, want 2", count)
	}

	// Re-seeding with a changed description and a dropped builder
	// updates in place and deactivates the removed row.
	second := []config.BuilderConfig{
		{Name: "linux", Description: "linux builds, gcc 14"},
	}
	if err := SeedBuilders(gdb, second); err != nil {
		t.Fatalf("SeedBuilders again: %v", err)
	}

	var linux models.Builder
	if err := gdb.Where("name = ?", "linux").First(&linux).Error; err != nil {
		t.Fatalf("load linux: %v", err)
	}
	if linux.Description != "linux builds, gcc 14" || !linux.Active {
		t.Errorf("linux = %q active=%v, want updated description and active", linux.Description, linux.Active)
	}

	var windows models.Builder
	if err := gdb.Where("name = ?", "windows").First(&windows).Error; err != nil {
		t.Fatalf("load windows: %v", err)
	}
	if windows.Active {
		t.Error("windows still active after removal from config")
	}

	gdb.Model(&models.Builder{}).Count(&count)
	if count != 2 {
		t.Errorf("builder rows = %d, want 2 (no duplicates)", count)
	}
}
