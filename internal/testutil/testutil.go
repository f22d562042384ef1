// Package testutil holds shared test fixtures.
package testutil

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/autocompta/internal/authctx"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var dbCounter atomic.Int64

// NewTestDB opens an isolated in-memory SQLite database and migrates models.
// A single connection serializes concurrent transactions the way row locks
// would on Postgres.
func NewTestDB(t testing.TB, models ...any) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, dbCounter.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if len(models) > 0 {
		if err := db.AutoMigrate(models...); err != nil {
			t.Fatalf("migrate: %v", err)
		}
	}
	return db
}

func NewNode(t testing.TB) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake: %v", err)
	}
	return node
}

// Accountant returns a user actor with every capability on tenantID.
func Accountant(tenantID int64) authctx.Actor {
	actor := authctx.System(tenantID)
	actor.Type = authctx.ActorUser
	actor.ID = "accountant"
	actor.Role = "accountant"
	return actor
}

// Viewer returns a user actor that can only read.
func Viewer(tenantID int64) authctx.Actor {
	return authctx.Actor{
		TenantID:     tenantID,
		Type:         authctx.ActorUser,
		ID:           "viewer",
		Role:         "viewer",
		Capabilities: map[authctx.Capability]bool{authctx.CapDocumentRead: true},
	}
}
