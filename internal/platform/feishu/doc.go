// Package feishu implements the HTTP client for the Feishu open platform:
// tenant token auth, Drive media uploads, and Bitable record writes. Upload
// and record calls classify failures as transient or permanent and retry
// the transient ones with exponential backoff.
package feishu
