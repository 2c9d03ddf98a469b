package workers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"sync"

	"github.com/ggoodman/httpl-go/wire"
)

// Unit is the host's handle on an isolated execution unit: a single
// bidirectional frame channel plus a kill switch.
type Unit interface {
	Post(f *wire.Frame) error
	Recv() (*wire.Frame, error)
	Terminate() error
}

// Spawner starts units from loaded sources.
type Spawner interface {
	Spawn(ctx context.Context, id Identity, src Source) (Unit, error)
}

// ErrNoInterpreter is returned when no interpreter is configured for a
// source's suffix.
var ErrNoInterpreter = errors.New("no interpreter for worker suffix")

type streamUnit struct {
	r       io.Reader
	out     *wire.Outbox
	once    sync.Once
	closeFn func() error
	err     error
}

func newStreamUnit(r io.Reader, w io.Writer, closeFn func() error) *streamUnit {
	return &streamUnit{r: r, out: wire.NewOutbox(w), closeFn: closeFn}
}

func (u *streamUnit) Post(f *wire.Frame) error { return u.out.Send(f) }

func (u *streamUnit) Recv() (*wire.Frame, error) { return wire.ReadFrame(u.r) }

func (u *streamUnit) Terminate() error {
	u.once.Do(func() {
		u.out.Close()
		u.err = u.closeFn()
	})
	return u.err
}

// ProcessSpawner runs each unit as a subprocess speaking frames on its
// stdin and stdout. The interpreter is chosen by the source's suffix.
type ProcessSpawner struct {
	// Interpreters maps a suffix (".js") to the command that runs a file
	// with it (["node"]). The file path is appended as the last argument.
	Interpreters map[string][]string
	// TempDir receives sources that are not already on disk.
	TempDir string
	Env     []string
	Log     *slog.Logger
}

// DefaultInterpreters covers the suffixes loadable out of the box.
func DefaultInterpreters() map[string][]string {
	return map[string][]string{
		".js":  {"node"},
		".py":  {"python3", "-u"},
		".php": {"php"},
		".sh":  {"sh"},
	}
}

func (s *ProcessSpawner) Spawn(ctx context.Context, id Identity, src Source) (Unit, error) {
	interps := s.Interpreters
	if interps == nil {
		interps = DefaultInterpreters()
	}
	argv, ok := interps[id.Suffix()]
	if !ok || len(argv) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNoInterpreter, id.Suffix())
	}

	file := src.File
	var tmp string
	if file == "" {
		f, err := os.CreateTemp(s.TempDir, "httpl-worker-*"+id.Suffix())
		if err != nil {
			return nil, err
		}
		if _, err := f.Write(src.Code); err != nil {
			f.Close()
			os.Remove(f.Name())
			return nil, err
		}
		if err := f.Close(); err != nil {
			os.Remove(f.Name())
			return nil, err
		}
		file, tmp = f.Name(), f.Name()
	}
	cleanup := func() {
		if tmp != "" {
			_ = os.Remove(tmp)
		}
	}

	args := append(append([]string(nil), argv[1:]...), file)
	cmd := exec.Command(argv[0], args...)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Env = append(cmd.Env, "HTTPL_WORKER_URL="+src.URL)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cleanup()
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		cleanup()
		return nil, err
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		cleanup()
		return nil, err
	}
	if s.Log != nil {
		s.Log.DebugContext(ctx, "worker.process.start",
			slog.String("identity", id.String()),
			slog.Int("pid", cmd.Process.Pid),
		)
	}

	return newStreamUnit(stdout, stdin, func() error {
		_ = stdin.Close()
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		_ = cmd.Wait()
		cleanup()
		return nil
	}), nil
}

// Program is an in-process unit. It owns conn until it returns or ctx is
// cancelled.
type Program func(ctx context.Context, conn io.ReadWriteCloser) error

// PipeSpawner runs Go programs as units over an in-memory duplex pipe. The
// program is picked by identity, falling back to the source's URL.
type PipeSpawner struct {
	mu       sync.RWMutex
	programs map[string]Program
}

func NewPipeSpawner() *PipeSpawner {
	return &PipeSpawner{programs: make(map[string]Program)}
}

// Register installs p for the identity (or source URL) key.
func (s *PipeSpawner) Register(key string, p Program) {
	s.mu.Lock()
	s.programs[key] = p
	s.mu.Unlock()
}

func (s *PipeSpawner) Spawn(_ context.Context, id Identity, src Source) (Unit, error) {
	s.mu.RLock()
	p, ok := s.programs[id.String()]
	if !ok {
		p, ok = s.programs[src.URL]
	}
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no program registered for %s", id)
	}

	host, guest := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer guest.Close()
		_ = p(ctx, guest)
	}()

	return newStreamUnit(host, host, func() error {
		cancel()
		err := host.Close()
		<-done
		return err
	}), nil
}
