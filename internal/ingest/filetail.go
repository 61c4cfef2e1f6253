package ingest

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"agentpulse/internal/config"
)

func StartFileTail(ctx context.Context, cfg *config.Manager, sink Sink, logger *slog.Logger) {
	current := cfg.Get().Ingest.FileTail
	if !current.Enabled {
		if logger != nil {
			logger.Info("file tail ingest disabled")
		}
		return
	}
	for _, path := range current.Files {
		if logger != nil {
			logger.Info("file tail ingest enabled", "path", path, "start_at_end", current.StartAtEnd)
		}
		go tailFile(ctx, path, current.StartAtEnd, sink, logger)
	}
}

// tailFile follows path like tail -F. A trailing line without a newline is
// held until the rest of it arrives; truncation reopens from the start.
func tailFile(ctx context.Context, path string, startAtEnd bool, sink Sink, logger *slog.Logger) {
	var file *os.File
	var offset int64
	first := true
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if file == nil {
			f, err := os.Open(path)
			if err != nil {
				if logger != nil {
					logger.Warn("tail open failed", "path", path, "err", err)
				}
				if !BackoffSleep(ctx, 500*time.Millisecond) {
					return
				}
				continue
			}
			file = f
			offset = 0
			if startAtEnd && first {
				if pos, err := file.Seek(0, io.SeekEnd); err == nil {
					offset = pos
				}
			}
			first = false
		}

		reader := bufio.NewReader(file)
		var partial []byte
		for {
			chunk, err := reader.ReadBytes('\n')
			if len(chunk) > 0 {
				offset += int64(len(chunk))
				partial = append(partial, chunk...)
			}
			if err != nil {
				if err == io.EOF {
					if !BackoffSleep(ctx, 200*time.Millisecond) {
						_ = file.Close()
						return
					}
					info, statErr := os.Stat(path)
					if statErr == nil && info.Size() < offset {
						_ = file.Close()
						file = nil
						break
					}
					continue
				}
				if logger != nil {
					logger.Warn("tail read error", "path", path, "err", err)
				}
				_ = file.Close()
				file = nil
				break
			}
			ingestLine(ctx, sink, SourceFileTail, partial, logger)
			partial = partial[:0]
		}
	}
}
