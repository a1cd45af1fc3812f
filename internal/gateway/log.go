package gateway

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
)

// DefaultMaxLogBytes stays under the 50 MB bot upload limit.
const DefaultMaxLogBytes int64 = 49 << 20

// ReadTail returns at most limit bytes from the end of path. truncated reports
// whether earlier content was skipped.
func ReadTail(path string, limit int64) (data []byte, truncated bool, err error) {
	// #nosec G304
	f, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, false, err
	}
	if info.IsDir() {
		return nil, false, fmt.Errorf("%s is a directory", path)
	}
	size := info.Size()
	if limit > 0 && size > limit {
		if _, err := f.Seek(size-limit, io.SeekStart); err != nil {
			return nil, false, err
		}
		truncated = true
		size = limit
	}
	data, err = io.ReadAll(io.LimitReader(f, size))
	if err != nil {
		return nil, false, err
	}
	return data, truncated, nil
}

func (g *Gateway) fetchLog() Reply {
	data, truncated, err := ReadTail(g.cfg.LogFile, g.cfg.MaxLogBytes)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Reply{Kind: Info, Text: "Log file not found."}
		}
		g.logger.Error("Failed to read log file", "path", g.cfg.LogFile, "error", err)
		return Reply{Kind: Failure, Text: fmt.Sprintf("Failed to read log file: %v", err)}
	}
	if len(data) == 0 {
		return Reply{Kind: Info, Text: "Log file is empty."}
	}
	caption := "Latest worker log"
	if truncated {
		caption = fmt.Sprintf("Latest worker log (last %s)", humanize.IBytes(uint64(len(data))))
	}
	return Reply{
		Kind:     OK,
		Text:     caption,
		Document: &Document{Name: filepath.Base(g.cfg.LogFile), Data: data, Caption: caption},
	}
}
