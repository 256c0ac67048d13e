package model

// HashMetadata describes one stored, content-addressed file (4.E).
// Content and metadata are stored as sibling files under
// <store>/<taskId>/content/<hash>[.gz] and <hash>.json.
type HashMetadata struct {
	OriginalPath string `json:"originalPath"`
	Hash         string `json:"hash"`
	Size         int64  `json:"size"`
	Mtime        int64  `json:"mtime"`
	Compressed   bool   `json:"compressed"`
	OriginalSize int64  `json:"originalSize"`
	StoredAt     int64  `json:"storedAt"`
	TaskID       string `json:"taskId"`
}

// HashEntry is one row of a TaskHashIndex's file map.
type HashEntry struct {
	Hash         string `json:"hash"`
	HashPath     string `json:"hashPath"`
	MetadataPath string `json:"metadataPath"`
}

// TaskHashIndex is the per-task index of logical relative path -> stored
// content, persisted as JSON after every mutation (4.E).
type TaskHashIndex struct {
	TaskID    string               `json:"taskId"`
	Files     map[string]HashEntry `json:"files"`
	CreatedAt int64                `json:"createdAt"`
	UpdatedAt int64                `json:"updatedAt"`
}

// HashStats summarizes a task's hash store for stats().
type HashStats struct {
	TotalFiles       int     `json:"totalFiles"`
	TotalOriginalSize int64  `json:"totalOriginalSize"`
	TotalCompressedSize int64 `json:"totalCompressedSize"`
	DedupRatio       float64 `json:"dedupRatio"`
}
