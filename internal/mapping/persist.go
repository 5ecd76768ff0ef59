package mapping

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	hohoerrors "hoho/internal/errors"
)

const backupTimeFormat = "20060102T150405.000000000"

// Open loads the store at path. A missing or empty file yields an empty store. A file
// that cannot be decoded is copied aside to "<path>.backup.<timestamp>" and
// the store starts empty; only I/O failures are returned as errors.
func Open(path string, opts ...Option) (*Store, error) {
	s := New(path, opts...)

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read mapping store %s: %w", path, err)
	}
	if len(data) == 0 {
		return s, nil
	}

	records, err := decodeFile(data)
	if err != nil {
		backup, berr := s.backupCorrupt(data)
		if berr != nil {
			return nil, hohoerrors.New(hohoerrors.StoreCorrupt,
				fmt.Sprintf("mapping store %s is corrupt and could not be backed up", path), berr)
		}
		s.logger.Warn("mapping store is corrupt, starting empty",
			"path", path, "backup", backup, "error", err)
		return s, nil
	}

	for _, m := range records {
		s.put(m)
	}
	s.logger.Debug("mapping store loaded", "path", path, "mappings", len(s.mappings))
	return s, nil
}

func (s *Store) backupCorrupt(data []byte) (string, error) {
	backup := s.path + ".backup." + timestampSuffix(s.now())
	if err := os.WriteFile(backup, data, 0o644); err != nil {
		return "", err
	}
	return backup, nil
}

// Save writes the store to its own path.
func (s *Store) Save(ctx context.Context) error {
	return s.SaveAs(ctx, s.path)
}

// SaveAs writes the whole store to path atomically: parent directories are
// created, data goes to a temporary file in the same directory which is
// synced and then renamed over the destination.
func (s *Store) SaveAs(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	records := s.GetAllMappings()
	data, err := encodeFile(records, s.now())
	if err != nil {
		return hohoerrors.New(hohoerrors.InternalError, "encode mapping store", err)
	}

	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("save mapping store %s: %w", path, err)
	}
	s.logger.Debug("mapping store saved", "path", path, "mappings", len(records), "bytes", len(data))
	return nil
}

func writeFileAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func timestampSuffix(t time.Time) string {
	return t.UTC().Format(backupTimeFormat)
}
