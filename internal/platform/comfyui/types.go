package comfyui

// GenerationState is the engine-reported state of a submitted workflow.
type GenerationState string

const (
	StateRunning   GenerationState = "running"
	StateSucceeded GenerationState = "succeeded"
	StateFailed    GenerationState = "failed"
)

// Artifact locates one generated image on the engine.
type Artifact struct {
	NodeID     string
	Filename   string
	Subfolder  string
	FolderType string
}

// GenerationStatus is one observation of a running workflow.
// FailureReason is set only when State is StateFailed.
type GenerationStatus struct {
	State         GenerationState
	Progress      int
	Artifacts     []Artifact
	FailureReason string
}

// historyEntry mirrors the subset of the ComfyUI history payload we read.
type historyEntry struct {
	Status struct {
		StatusStr string  `json:"status_str"`
		Completed bool    `json:"completed"`
		Messages  [][]any `json:"messages"`
	} `json:"status"`
	Outputs map[string]struct {
		Images []struct {
			Filename  string `json:"filename"`
			Subfolder string `json:"subfolder"`
			Type      string `json:"type"`
		} `json:"images"`
	} `json:"outputs"`
}
