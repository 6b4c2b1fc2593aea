package helper

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// NewRunID creates the id that tags the log lines and state of a single run
func NewRunID() string {
	id, err := uuid.NewRandom()
	if err != nil {
		// entropy failure, fall back to a time based id
		return uuid.Must(uuid.NewUUID()).String()
	}
	return id.String()
}

// pretty print
func PrettyPrint(w io.Writer, v interface{}) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Warn().Err(err).Msg("Error pretty printing")
		return
	}
	fmt.Fprintln(w, string(b))
}

// CreateParentFolder makes sure the directory holding path exists
func CreateParentFolder(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create folder %s: %w", dir, err)
	}
	return nil
}
