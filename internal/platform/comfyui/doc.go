// Package comfyui implements the HTTP client for the ComfyUI generation
// engine: workflow submission, completion polling via the history endpoint,
// and retrieval of generated images.
package comfyui
