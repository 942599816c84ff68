// Package api implements the HTTP handlers for the task lifecycle: task
// submission, poll-based status queries, cancellation, and the service
// health probe. Handlers translate service errors to HTTP status codes and
// never leak internal error details to clients.
package api
