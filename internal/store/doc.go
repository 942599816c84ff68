// Package store defines the persistence contract for generation tasks.
// It abstracts the underlying datastore from the task service and the
// background worker; any store offering point lookup, a bounded pending
// scan, and an atomic conditional update can implement it.
package store
