package repository

import (
	"testing"
	"time"

	"github.com/nimasrn/payment-gateway/pkg/pg"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Entities lists every table owned by this package, in creation order.
func Entities() []any {
	return []any{
		&TransactionEntity{},
		&RefundEntity{},
		&TransactionEventEntity{},
		&AnomalyEntity{},
		&CashPaymentEntity{},
	}
}

type testDB struct {
	*pg.DB
	rawDB *gorm.DB
}

// NewTestDB opens an isolated in-memory sqlite database with the schema
// migrated. It is shared with the service tests.
func NewTestDB(t testing.TB) (*pg.DB, *gorm.DB) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// a single connection keeps the in-memory database alive and serializes writers
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(Entities()...))
	return pg.New(db, db), db
}

func setupTestDB(t *testing.T) *testDB {
	db, raw := NewTestDB(t)
	return &testDB{
		DB:    db,
		rawDB: raw,
	}
}
