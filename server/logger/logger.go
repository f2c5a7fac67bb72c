// Package logger implements the server's leveled log: a single writer,
// optionally fed through a bounded queue by a background goroutine, with
// daily and line-count file rotation.
package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// Levels. A record is written when its level is >= the logger's level.
const (
	LevelDebug = iota
	LevelInfo
	LevelWarn
	LevelError
)

// maxLines is the per-file line limit before rotating to a -N suffix file.
const maxLines = 50000

var levelTag = [...]string{"[debug]:", "[info] :", "[warn] :", "[error]:"}

// Log writes timestamped, leveled records to date-named files under dir.
//
// With a queue capacity > 0 records are handed to a single background writer
// through a bounded channel; when the channel is full the producer falls back
// to writing synchronously instead of blocking. With capacity 0 every write
// is synchronous.
//
// A nil *Log discards everything, so call sites need no enabled-checks.
type Log struct {
	level atomic.Int32

	dir    string
	suffix string

	queue chan string
	wg    sync.WaitGroup

	mu        sync.Mutex // guards file, lineCount, day
	file      *os.File
	lineCount int
	day       int
}

// New creates the log directory if needed, opens today's file, and starts
// the writer goroutine when queueCap > 0.
func New(level int, dir, suffix string, queueCap int) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	l := &Log{dir: dir, suffix: suffix}
	l.level.Store(int32(level))

	now := time.Now()
	l.day = now.Day()
	f, err := os.OpenFile(l.fileName(now, 0), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	l.file = f

	if queueCap > 0 {
		l.queue = make(chan string, queueCap)
		l.wg.Add(1)
		go l.drain()
	}
	return l, nil
}

// Level returns the current threshold.
func (l *Log) Level() int {
	if l == nil {
		return LevelError + 1
	}
	return int(l.level.Load())
}

// SetLevel changes the threshold.
func (l *Log) SetLevel(level int) {
	if l == nil {
		return
	}
	l.level.Store(int32(level))
}

func (l *Log) Debugf(format string, args ...any) { l.write(LevelDebug, format, args...) }
func (l *Log) Infof(format string, args ...any)  { l.write(LevelInfo, format, args...) }
func (l *Log) Warnf(format string, args ...any)  { l.write(LevelWarn, format, args...) }
func (l *Log) Errorf(format string, args ...any) { l.write(LevelError, format, args...) }

func (l *Log) write(level int, format string, args ...any) {
	if l == nil || level < int(l.level.Load()) {
		return
	}
	now := time.Now()
	line := now.Format("2006-01-02 15:04:05.000000") + " " + levelTag[level] + " " +
		fmt.Sprintf(format, args...) + "\n"

	if l.queue != nil {
		select {
		case l.queue <- line:
			return
		default:
			// Queue full: degrade to a synchronous write rather than block
			// the caller.
		}
	}
	l.writeLine(line)
}

func (l *Log) drain() {
	defer l.wg.Done()
	for line := range l.queue {
		l.writeLine(line)
	}
}

func (l *Log) writeLine(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Day() != l.day || (l.lineCount > 0 && l.lineCount%maxLines == 0) {
		l.rotate(now)
	}
	if l.file == nil {
		return
	}
	l.file.WriteString(line)
	l.lineCount++
}

// rotate closes the current file and opens the next one: a fresh date file
// on day change, or the same date with a -N suffix when the line limit for
// the day overflows. Called with mu held.
func (l *Log) rotate(now time.Time) {
	var name string
	if now.Day() != l.day {
		name = l.fileName(now, 0)
		l.day = now.Day()
		l.lineCount = 0
	} else {
		name = l.fileName(now, l.lineCount/maxLines)
	}
	if l.file != nil {
		l.file.Close()
	}
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		l.file = nil
		return
	}
	l.file = f
}

// fileName builds dir/YYYY_MM_DD<suffix>, with -n inserted before the suffix
// for same-day overflow files.
func (l *Log) fileName(now time.Time, n int) string {
	date := now.Format("2006_01_02")
	if n > 0 {
		return filepath.Join(l.dir, fmt.Sprintf("%s-%d%s", date, n, l.suffix))
	}
	return filepath.Join(l.dir, date+l.suffix)
}

// Close drains the queue, stops the writer, and closes the file.
func (l *Log) Close() {
	if l == nil {
		return
	}
	if l.queue != nil {
		close(l.queue)
		l.wg.Wait()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
