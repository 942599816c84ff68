// Package postgres provides the PostgreSQL implementation of the task store
// defined in the internal/store package. It handles query execution and the
// mapping between the domain task and its database record, including the
// atomic conditional update that serializes concurrent status transitions.
package postgres
