package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// FileSource reads tokens from a JSON array or a YAML list on disk.
//
// The format follows the extension: .yaml/.yml is YAML, anything else JSON.
// YAML files may also use a top-level "tokens:" key. A missing file is an
// empty list, not an error; an unparsable file is an error. A blank file that
// previously held tokens is an error: editors truncate before writing, and
// that window must not revoke every live session.
type FileSource struct {
	path string

	hadTokens atomic.Bool
}

// ErrTruncated reports a token file that went blank after holding tokens.
var ErrTruncated = errors.New("token file is empty after holding tokens")

// NewFileSource returns a FileSource for path.
func NewFileSource(path string) (*FileSource, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("tokens: empty token file path")
	}
	return &FileSource{path: path}, nil
}

// Path returns the watched file path.
func (s *FileSource) Path() string { return s.path }

// Name implements Source.
func (s *FileSource) Name() string { return "file:" + s.path }

// Load implements Source.
func (s *FileSource) Load(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("reading token file: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		if s.hadTokens.Load() {
			return nil, fmt.Errorf("%w: %s", ErrTruncated, s.path)
		}
		return []string{}, nil
	}

	var list []string
	switch strings.ToLower(filepath.Ext(s.path)) {
	case ".yaml", ".yml":
		list, err = parseYAML(data)
	default:
		if err = json.Unmarshal(data, &list); err != nil {
			err = fmt.Errorf("parsing token file: %w", err)
		}
	}
	if err != nil {
		return nil, err
	}
	s.hadTokens.Store(len(list) > 0)
	return list, nil
}

func parseYAML(data []byte) ([]string, error) {
	var list []string
	if err := yaml.Unmarshal(data, &list); err == nil {
		return list, nil
	}

	var doc struct {
		Tokens []string `yaml:"tokens"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing token file: %w", err)
	}
	return doc.Tokens, nil
}
