package models

import "io"

// Document is a local file that will be uploaded to the vector store
type Document struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	Ext       string `json:"ext"`
	Size      int64  `json:"size"`
	MIME      string `json:"mime,omitempty"`
	Pages     int    `json:"pages,omitempty"`
	Generated bool   `json:"generated,omitempty"`
}

// Upload pairs a document with its open handle for the batch upload
type Upload struct {
	Name   string
	Reader io.Reader
}

// FileFailure records a document that was excluded from the batch
type FileFailure struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}
