package database

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestIsDuplicateKey(t *testing.T) {
	assert.False(t, IsDuplicateKey(nil))
	assert.False(t, IsDuplicateKey(errors.New("connection refused")))

	assert.True(t, IsDuplicateKey(gorm.ErrDuplicatedKey))
	assert.True(t, IsDuplicateKey(fmt.Errorf("insert: %w", &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})))
	assert.False(t, IsDuplicateKey(&mysql.MySQLError{Number: 1452}))
	assert.True(t, IsDuplicateKey(&pgconn.PgError{Code: "23505"}))
	assert.False(t, IsDuplicateKey(&pgconn.PgError{Code: "23503"}))
	assert.True(t, IsDuplicateKey(errors.New("UNIQUE constraint failed: account_entry.external_ref")))
}

func TestSystemEntryTypeIDStable(t *testing.T) {
	assert.Equal(t, SystemEntryTypeID("REFUND"), SystemEntryTypeID("REFUND"))
	assert.NotEqual(t, SystemEntryTypeID("REFUND"), SystemEntryTypeID("FLIGHT"))
}
