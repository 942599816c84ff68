// Package service contains the application-specific use cases for the task
// lifecycle. It sits between the HTTP handlers and the store: validating
// creation inputs, mediating cancellation, and translating store errors
// into application-level ones. Services never touch infrastructure
// directly beyond the store interfaces they are constructed with.
package service
