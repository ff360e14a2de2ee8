package ingest

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"time"
)

const tailPoll = 200 * time.Millisecond

// StartFileTail follows each configured file. A file that is truncated or
// replaced (log rotation) is reopened and read from the start.
func StartFileTail(ctx context.Context, p *Pipeline) {
	current := p.cfg.Get().Ingest.FileTail
	if !current.Enabled {
		p.logger.Info("file tail ingest disabled")
		return
	}
	for _, path := range current.Files {
		p.logger.Info("file tail ingest enabled", "path", path, "start_at_end", current.StartAtEnd)
		f := &follower{pipeline: p, path: path, parser: NewParser()}
		go f.run(ctx, current.StartAtEnd)
	}
}

type follower struct {
	pipeline *Pipeline
	path     string
	parser   *Parser

	file    *os.File
	info    os.FileInfo
	reader  *bufio.Reader
	offset  int64
	partial strings.Builder
}

func (f *follower) run(ctx context.Context, seekEnd bool) {
	defer f.close()
	for ctx.Err() == nil {
		if f.file == nil {
			if err := f.open(seekEnd); err != nil {
				f.pipeline.logger.Warn("tail open failed", "path", f.path, "err", err)
				if !BackoffSleep(ctx, 500*time.Millisecond) {
					return
				}
				continue
			}
			seekEnd = false
		}
		if err := f.drain(ctx); err != nil {
			f.pipeline.logger.Warn("tail read error", "path", f.path, "err", err)
			f.close()
			continue
		}
		if !BackoffSleep(ctx, tailPoll) {
			return
		}
		if f.rotated() {
			f.pipeline.logger.Info("tail file rotated", "path", f.path)
			f.drainQuietly(ctx)
			f.close()
		}
	}
}

func (f *follower) open(seekEnd bool) error {
	file, err := os.Open(f.path)
	if err != nil {
		return err
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return err
	}
	f.file, f.info, f.offset = file, info, 0
	if seekEnd {
		if f.offset, err = file.Seek(0, io.SeekEnd); err != nil {
			_ = file.Close()
			f.file = nil
			return err
		}
	}
	f.reader = bufio.NewReader(file)
	f.partial.Reset()
	return nil
}

// drain reads every complete line available now. A trailing line without
// a newline is kept until the rest of it arrives.
func (f *follower) drain(ctx context.Context) error {
	for {
		chunk, err := f.reader.ReadString('\n')
		f.offset += int64(len(chunk))
		f.partial.WriteString(chunk)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		f.pipeline.HandleLine(ctx, f.parser, f.partial.String(), "file_tail")
		f.partial.Reset()
	}
}

func (f *follower) drainQuietly(ctx context.Context) {
	if err := f.drain(ctx); err != nil {
		f.pipeline.logger.Debug("tail drain before reopen failed", "path", f.path, "err", err)
	}
	if f.partial.Len() > 0 {
		f.pipeline.HandleLine(ctx, f.parser, f.partial.String(), "file_tail")
	}
}

func (f *follower) rotated() bool {
	info, err := os.Stat(f.path)
	if err != nil {
		return false
	}
	return !os.SameFile(f.info, info) || info.Size() < f.offset
}

func (f *follower) close() {
	if f.file != nil {
		_ = f.file.Close()
		f.file = nil
	}
}
