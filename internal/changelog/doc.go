// Package changelog implements the server side of incremental sync: an
// append-only, per-household change log written inside each mutation's
// transaction, and a cursor-based feed that serves it back to clients.
//
// Every tracked mutation appends exactly one entry through Writer.Append
// using the mutation's own *gorm.DB transaction, so an entry exists if and
// only if the mutation committed. Append locks the household's sync state
// row, which serializes writers per household and makes timestamp order
// equal commit order. Timestamps are unix microseconds and strictly
// increasing within a household; the latest one doubles as the cursor.
//
// Reader.GetChanges reads the household's last assigned timestamp before
// reading entries and bounds the query by it, so an entry committed during
// the read is never skipped by the returned cursor.
package changelog
