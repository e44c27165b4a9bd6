package bridge

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

const spoolPerm = 0o644

// Spool is an append-only file of pending payloads, one per line. Payloads
// must not contain newlines; encoded JSON messages never do.
type Spool struct {
	path   string
	logger *zap.Logger
	mu     sync.Mutex
}

// OpenSpool creates the spool's directory if needed. The file itself is
// created on the first Append.
func OpenSpool(path string, logger *zap.Logger) (*Spool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}
	return &Spool{path: path, logger: logger.With(zap.String("component", "spool"), zap.String("path", path))}, nil
}

func (s *Spool) Path() string { return s.path }

// Append writes payload as one line and syncs it to disk.
func (s *Spool) Append(payload []byte) error {
	if bytes.ContainsRune(payload, '\n') {
		return fmt.Errorf("spool payload contains a newline")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, spoolPerm)
	if err != nil {
		return fmt.Errorf("failed to open spool: %w", err)
	}
	line := append(append(make([]byte, 0, len(payload)+1), payload...), '\n')
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("failed to write to spool: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync spool: %w", err)
	}
	return f.Close()
}

// Len returns the number of pending payloads.
func (s *Spool) Len() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lines, err := s.read()
	return len(lines), err
}

// Drain replays pending payloads in order until send fails or ctx is done.
// Sent payloads are removed and the rest are kept for the next call. It
// returns how many were sent.
func (s *Spool) Drain(ctx context.Context, send func(payload []byte) error) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines, err := s.read()
	if err != nil || len(lines) == 0 {
		return 0, err
	}

	sent := 0
	var sendErr error
	for _, line := range lines {
		if sendErr = ctx.Err(); sendErr != nil {
			break
		}
		if sendErr = send(line); sendErr != nil {
			break
		}
		sent++
	}

	if sent > 0 {
		if err := s.rewrite(lines[sent:]); err != nil {
			return sent, err
		}
		s.logger.Info("spool drained", zap.Int("sent", sent), zap.Int("remaining", len(lines)-sent))
	}
	return sent, sendErr
}

func (s *Spool) read() ([][]byte, error) {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open spool: %w", err)
	}
	defer f.Close()

	var lines [][]byte
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if len(bytes.TrimSpace(scanner.Bytes())) == 0 {
			continue
		}
		lines = append(lines, bytes.Clone(scanner.Bytes()))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error scanning spool: %w", err)
	}
	return lines, nil
}

// rewrite replaces the spool with lines through a temp file and rename.
func (s *Spool) rewrite(lines [][]byte) error {
	if len(lines) == 0 {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove spool: %w", err)
		}
		return nil
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, spoolPerm)
	if err != nil {
		return fmt.Errorf("failed to create spool: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, line := range lines {
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to write spool: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync spool: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
