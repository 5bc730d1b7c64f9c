// Package joblog writes the per-stage operational logs.  Every stage gets
// its own append-only file under the log directory; each line is
// "[<RFC3339Nano UTC>] <message>".
package joblog

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Sink appends stage log lines to <dir>/<stage>.log and mirrors them to
// the process logger.  Errors are mirrored to stderr.
type Sink struct {
	dir string
	now func() time.Time

	mu  sync.Mutex
	out *log.Logger
	err *log.Logger
}

// New returns a Sink writing under dir.  The directory is created on the
// first write.
func New(dir string) *Sink {
	if dir == "" {
		dir = "logs"
	}
	return &Sink{
		dir: dir,
		now: time.Now,
		out: log.New(os.Stdout, "", log.LstdFlags),
		err: log.New(os.Stderr, "", log.LstdFlags),
	}
}

// WithMirror replaces the process-side writers.  Passing io.Discard
// silences mirroring.
func (s *Sink) WithMirror(out, errOut io.Writer) *Sink {
	s.out = log.New(out, "", log.LstdFlags)
	s.err = log.New(errOut, "", log.LstdFlags)
	return s
}

// Logf appends one formatted line to the stage's log file.  Write
// failures are reported on the process logger and never returned.
func (s *Sink) Logf(stage string, isError bool, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	line := fmt.Sprintf("[%s] %s\n", s.now().UTC().Format(time.RFC3339Nano), msg)

	s.mu.Lock()
	defer s.mu.Unlock()

	if isError {
		s.err.Printf("%s: %s", stage, msg)
	} else {
		s.out.Printf("%s: %s", stage, msg)
	}
	if err := s.append(stage, line); err != nil {
		s.err.Printf("joblog: write %s: %v", stage, err)
	}
}

func (s *Sink) append(stage, line string) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(s.Path(stage), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(line)
	return err
}

// Path returns the log file of a stage.  Path separators in the stage
// name are replaced so every file stays inside the log directory.
func (s *Sink) Path(stage string) string {
	name := strings.NewReplacer("/", "_", `\`, "_", "..", "_").Replace(stage)
	if name == "" {
		name = "settlement"
	}
	return filepath.Join(s.dir, name+".log")
}
