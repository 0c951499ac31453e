package provider

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// EventKind tags the structured events a Driver emits.
type EventKind int

const (
	// EventURL carries the public URL parsed from process output.
	EventURL EventKind = iota
	// EventError carries a fatal error marker seen in process output.
	EventError
	// EventExit reports process termination with its exit code. It is
	// always the last event; the event channel closes after it.
	EventExit
)

// Event is one structured observation translated from raw process
// output. The state machine that owns the driver consumes only these.
type Event struct {
	Kind EventKind
	URL  string
	Err  string
	Code int
}

// Driver wraps exactly one tunnel provider subprocess. It translates
// the process's unstructured log output into Events and handles
// graceful-then-forceful termination. It never restarts the process;
// restart policy belongs to the supervisor.
type Driver struct {
	spec   *Spec
	tunnel Tunnel

	mu       sync.Mutex
	cmd      *exec.Cmd
	events   chan Event
	done     chan struct{}
	stopOnce sync.Once
}

// NewDriver builds a driver for one tunnel. Nothing runs until Start.
func NewDriver(spec *Spec, t Tunnel) *Driver {
	return &Driver{spec: spec, tunnel: t}
}

// DiscoversURL reports whether a public URL is expected in the output.
func (d *Driver) DiscoversURL() bool {
	return d.spec.DiscoversURL(d.tunnel.Protocol)
}

// Start launches the subprocess and returns the event channel. The
// channel is closed after the final EventExit. A spawn failure returns
// an error and no channel; it is not retried here.
func (d *Driver) Start() (<-chan Event, error) {
	argv, err := d.spec.Command(d.tunnel)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cmd != nil {
		return nil, fmt.Errorf("driver already started for service %d", d.tunnel.ServiceID)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", argv[0], err)
	}

	d.cmd = cmd
	d.events = make(chan Event, 8)
	d.done = make(chan struct{})

	var scanners sync.WaitGroup
	scanners.Add(2)
	go d.scanOutput(stdout, &scanners)
	go d.scanOutput(stderr, &scanners)

	go func() {
		scanners.Wait()
		err := cmd.Wait()
		code := 0
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else if err != nil {
			code = -1
		}
		close(d.done)
		d.events <- Event{Kind: EventExit, Code: code}
		close(d.events)
	}()

	log.Printf("[driver] service %d: started %s (pid %d)", d.tunnel.ServiceID, argv[0], cmd.Process.Pid)
	return d.events, nil
}

// scanOutput line-scans one process pipe, emitting url/error events.
// Only the first URL match is reported.
func (d *Driver) scanOutput(r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()

	urlSent := false
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 16*1024), 256*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !urlSent {
			if url := d.spec.ExtractURL(line); url != "" {
				urlSent = true
				d.emit(Event{Kind: EventURL, URL: url})
				continue
			}
		}
		if marker := d.spec.MatchError(line); marker != "" {
			d.emit(Event{Kind: EventError, Err: marker})
		}
	}
}

// emit delivers an event to the owner. The owner is required to drain
// the channel until close, so a blocking send cannot wedge the scan
// loop.
func (d *Driver) emit(ev Event) {
	d.events <- ev
}

// Alive reports whether the subprocess is still running.
func (d *Driver) Alive() bool {
	d.mu.Lock()
	done := d.done
	d.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// Stop terminates the subprocess: SIGTERM first, SIGKILL after
// killTimeout. Safe to call multiple times and before Start.
func (d *Driver) Stop(killTimeout time.Duration) {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		cmd := d.cmd
		done := d.done
		d.mu.Unlock()

		if cmd == nil || cmd.Process == nil {
			return
		}

		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			// Already gone.
			return
		}

		go func() {
			select {
			case <-done:
			case <-time.After(killTimeout):
				log.Printf("[driver] service %d: kill timeout, sending SIGKILL", d.tunnel.ServiceID)
				cmd.Process.Kill()
			}
		}()
	})
}
