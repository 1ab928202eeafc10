package web

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
)

// OpenAccessLog opens path for appending. An empty path means stdout.
func OpenAccessLog(path string) (*os.File, error) {
	if path == "" {
		return os.Stdout, nil
	}
	log.Debug().Str("path", path).Msg("Opening access log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open access log: %w", err)
	}
	return f, nil
}
