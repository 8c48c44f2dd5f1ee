package db

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ForUpdate adds a row lock to the statement on dialects that support it.
// SQLite serializes writers at the database level, so the clause is skipped.
func ForUpdate(db *gorm.DB) *gorm.DB {
	if db == nil || db.Dialector == nil || db.Dialector.Name() == TypeSQLite {
		return db
	}
	return db.Clauses(clause.Locking{Strength: "UPDATE"})
}
