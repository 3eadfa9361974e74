// Package sql provides the embedded DDL for the clove postgres schema.
package sql

import (
	_ "embed"
)

// All statements are idempotent (CREATE TABLE IF NOT EXISTS,
// CREATE INDEX IF NOT EXISTS) and applied by the migrator in the order
// of DDLFiles. Embedding at compile time keeps the binary self-contained.

// TransactionSQL defines the clove_transaction commit log.
//
//go:embed transaction.sql
var TransactionSQL string

// TupleSQL defines the clove_tuple table and its reverse index.
//
//go:embed tuple.sql
var TupleSQL string

// ModelSQL defines the clove_model table and its single-active index.
//
//go:embed model.sql
var ModelSQL string

// DDLFile pairs a DDL source path with its contents for error reporting.
type DDLFile struct {
	Path     string
	Contents string
}

// DDLFiles lists the schema files in application order. clove_tuple
// carries txids issued by the transaction log, so clove_transaction
// comes first.
var DDLFiles = []DDLFile{
	{Path: "transaction.sql", Contents: TransactionSQL},
	{Path: "tuple.sql", Contents: TupleSQL},
	{Path: "model.sql", Contents: ModelSQL},
}

// Tables lists the tables the migrator creates, used by status checks.
var Tables = []string{
	"clove_transaction",
	"clove_tuple",
	"clove_model",
}
