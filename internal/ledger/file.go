package ledger

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/NeuralForge6000/goop-utilities/internal/logger"
	"github.com/NeuralForge6000/goop-utilities/internal/model"
)

// maxLineSize bounds a single ledger line; longer lines are skipped as corrupt
const maxLineSize = 1024 * 1024

// FileLedger stores events as JSON lines in a single file
type FileLedger struct {
	path string
	mu   sync.Mutex
}

// NewFileLedger returns a ledger backed by path. The file and its directory
// are created on the first Append, not here.
func NewFileLedger(path string) *FileLedger {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[1:])
		}
	}
	return &FileLedger{path: path}
}

// Path returns the ledger file location
func (l *FileLedger) Path() string {
	return l.path
}

// Append writes ev as one line. The line goes out in a single write to a file
// opened with O_APPEND, so concurrent appends never interleave.
func (l *FileLedger) Append(_ context.Context, ev model.UsageEvent) error {
	line, err := encodeEvent(ev)
	if err != nil {
		return fmt.Errorf("failed to encode usage event: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if dir := filepath.Dir(l.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create ledger directory: %w", err)
		}
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}

	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to append to ledger: %w", err)
	}
	return f.Close()
}

// Events replays the file front to back. A missing file yields nothing.
func (l *FileLedger) Events(ctx context.Context) iter.Seq[model.UsageEvent] {
	return func(yield func(model.UsageEvent) bool) {
		if err := l.scan(ctx, yield); err != nil {
			logger.FromContext(ctx).Warn("ledger read stopped early",
				zap.String("path", l.path), zap.Error(err))
		}
	}
}

// LastCumulativeTotal returns the session total of the last readable line
func (l *FileLedger) LastCumulativeTotal(ctx context.Context) (float64, error) {
	var total float64
	err := l.scan(ctx, func(ev model.UsageEvent) bool {
		total = ev.SessionTotal
		return true
	})
	return total, err
}

// Close is a no-op; the file is only held open during a single call
func (l *FileLedger) Close() error {
	return nil
}

func (l *FileLedger) scan(ctx context.Context, yield func(model.UsageEvent) bool) error {
	file, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer func() { _ = file.Close() }()

	reader := bufio.NewReaderSize(file, 64*1024)
	log := logger.FromContext(ctx)

	for lineNo := 1; ; lineNo++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		line, tooLong, readErr := readLine(reader, maxLineSize)
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return readErr
		}

		switch {
		case tooLong:
			log.Debug("skipping oversized ledger line",
				zap.String("path", l.path), zap.Int("line", lineNo))
		case len(bytes.TrimSpace(line)) == 0:
		default:
			ev, err := decodeEvent(line)
			if err != nil {
				// Skip malformed lines
				log.Debug("skipping malformed ledger line",
					zap.String("path", l.path), zap.Int("line", lineNo), zap.Error(err))
				break
			}
			if !yield(ev) {
				return nil
			}
		}

		if readErr != nil {
			return nil
		}
	}
}

// readLine returns the next line without its terminator. A line longer than
// limit is consumed to its end and reported as tooLong with no content.
func readLine(r *bufio.Reader, limit int) (line []byte, tooLong bool, err error) {
	for {
		chunk, err := r.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(chunk) > limit+2 {
				tooLong, line = true, nil
			} else {
				line = append(line, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return bytes.TrimRight(line, "\r\n"), tooLong, err
	}
}
