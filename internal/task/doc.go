// Package task implements the background worker loop that drives generation
// tasks through their lifecycle: claiming pending tasks, running the
// generation engine, uploading the resulting images, and recording the
// outcome. Every status transition goes through the store's compare-and-set,
// which is the only synchronization between workers, API callers, and other
// process instances.
package task
