// Package pgstore provides PostgreSQL-backed implementations of the
// authcore storage interfaces on top of pgx.
//
// AccountStore satisfies [authcore.CredentialStore], DeviceStore
// satisfies [authcore.DeviceStore], and AuditLog satisfies
// [authcore.AuditSink] with an append-only event table. All three share
// one pgxpool.Pool; [Migrate] creates the schema.
package pgstore
