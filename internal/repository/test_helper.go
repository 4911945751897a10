package repository

import (
	"reflect"
	"testing"

	"github.com/nimasrn/message-dispatch/pkg/pg"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type testDB struct {
	*pg.DB
	rawDB *gorm.DB
}

func setupTestDB(t *testing.T) *testDB {
	db := openSqlite(t)
	return &testDB{
		DB:    injectConnections(db, db),
		rawDB: db,
	}
}

// setupSplitTestDB backs read and write with two independent databases so a
// test can tell which connection a query actually used.
func setupSplitTestDB(t *testing.T) (*pg.DB, *gorm.DB, *gorm.DB) {
	read := openSqlite(t)
	write := openSqlite(t)
	return injectConnections(read, write), read, write
}

func openSqlite(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	err = db.AutoMigrate(&TenantEntity{})
	require.NoError(t, err)
	return db
}

func injectConnections(read, write *gorm.DB) *pg.DB {
	pgDB := &pg.DB{}
	pgDBValue := reflect.ValueOf(pgDB).Elem()

	readField := pgDBValue.FieldByName("read")
	writeField := pgDBValue.FieldByName("write")

	readField = reflect.NewAt(readField.Type(), readField.Addr().UnsafePointer()).Elem()
	writeField = reflect.NewAt(writeField.Type(), writeField.Addr().UnsafePointer()).Elem()

	readField.Set(reflect.ValueOf(read))
	writeField.Set(reflect.ValueOf(write))
	return pgDB
}
