package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"tokengate/cmd/internal/admission"
)

// legacyTimeLayout is how older state files wrote started_at.
const legacyTimeLayout = time.DateTime

// fileRecord is the on-disk shape of one session, keyed by token in the
// enclosing object.
type fileRecord struct {
	ClientID       string `json:"client_id"`
	IP             string `json:"ip"`
	StartedAt      string `json:"started_at"`
	LastActivityAt string `json:"last_activity_at,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
}

// FileStore keeps the snapshot as a JSON object on local disk.
// Writes go to a temp file in the same directory and are renamed into place,
// so a crash mid-save leaves the previous snapshot intact.
type FileStore struct {
	path string
}

// NewFileStore returns a FileStore writing to path.
func NewFileStore(path string) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("persist: empty state file path")
	}
	return &FileStore{path: path}, nil
}

// Name implements Store.
func (s *FileStore) Name() string { return "file:" + s.path }

// Save implements Store.
func (s *FileStore) Save(ctx context.Context, recs []admission.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	out := make(map[string]fileRecord, len(recs))
	for _, r := range recs {
		out[r.Token] = fileRecord{
			ClientID:       r.Identity,
			IP:             r.Origin,
			StartedAt:      r.StartedAt.UTC().Format(time.RFC3339Nano),
			LastActivityAt: r.LastActivityAt.UTC().Format(time.RFC3339Nano),
			SessionID:      r.SessionID,
		}
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling sessions: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".sessions-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("renaming state file: %w", err)
	}
	committed = true
	return nil
}

// Load implements Store. A missing file is an empty snapshot.
func (s *FileStore) Load(ctx context.Context) ([]admission.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []admission.Record{}, nil
		}
		return nil, fmt.Errorf("reading state file: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return []admission.Record{}, nil
	}

	var in map[string]fileRecord
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("parsing state file: %w", err)
	}

	out := make([]admission.Record, 0, len(in))
	for token, fr := range in {
		started, err := parseStateTime(fr.StartedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing started_at for session %s: %w", fr.SessionID, err)
		}
		last := started
		if fr.LastActivityAt != "" {
			if last, err = parseStateTime(fr.LastActivityAt); err != nil {
				return nil, fmt.Errorf("parsing last_activity_at for session %s: %w", fr.SessionID, err)
			}
		}
		out = append(out, admission.Record{
			Token:          token,
			SessionID:      fr.SessionID,
			Identity:       fr.ClientID,
			Origin:         fr.IP,
			StartedAt:      started,
			LastActivityAt: last,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out, nil
}

func parseStateTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.ParseInLocation(legacyTimeLayout, s, time.Local)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
