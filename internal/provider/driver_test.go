package provider

import (
	"regexp"
	"testing"
	"time"
)

// shellSpec builds a Spec that runs a shell script, so driver tests
// exercise real subprocesses without provider binaries.
func shellSpec(script string) *Spec {
	return &Spec{
		Key:        "testsh",
		Binary:     "/bin/sh",
		urlPattern: regexp.MustCompile(`https://[a-z0-9-]+\.example\.test`),
		errMarkers: []*regexp.Regexp{regexp.MustCompile(`FATAL: .*`)},
		protocols:  map[string]bool{"http": true},
		buildArgs: func(Tunnel) []string {
			return []string{"-c", script}
		},
	}
}

func collect(t *testing.T, events <-chan Event, timeout time.Duration) []Event {
	t.Helper()
	var got []Event
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-deadline:
			t.Fatalf("timed out waiting for events, got %v", got)
		}
	}
}

func TestDriverEmitsURLThenExit(t *testing.T) {
	d := NewDriver(shellSpec(`echo "tunnel up at https://abc.example.test"; exit 0`), Tunnel{ServiceID: 1, Port: 80, Protocol: "http"})

	events, err := d.Start()
	if err != nil {
		t.Fatal(err)
	}
	got := collect(t, events, 5*time.Second)

	if len(got) != 2 {
		t.Fatalf("events = %v, want URL then exit", got)
	}
	if got[0].Kind != EventURL || got[0].URL != "https://abc.example.test" {
		t.Errorf("first event = %+v", got[0])
	}
	if got[1].Kind != EventExit || got[1].Code != 0 {
		t.Errorf("last event = %+v", got[1])
	}
}

func TestDriverFirstURLOnly(t *testing.T) {
	script := `echo "https://one.example.test"; echo "https://two.example.test"`
	d := NewDriver(shellSpec(script), Tunnel{ServiceID: 2, Port: 80, Protocol: "http"})

	events, err := d.Start()
	if err != nil {
		t.Fatal(err)
	}
	got := collect(t, events, 5*time.Second)

	urls := 0
	for _, ev := range got {
		if ev.Kind == EventURL {
			urls++
			if ev.URL != "https://one.example.test" {
				t.Errorf("url = %q, want the first match", ev.URL)
			}
		}
	}
	if urls != 1 {
		t.Errorf("url events = %d, want 1", urls)
	}
}

func TestDriverErrorMarkerAndExitCode(t *testing.T) {
	d := NewDriver(shellSpec(`echo "FATAL: no credit" >&2; exit 3`), Tunnel{ServiceID: 3, Port: 80, Protocol: "http"})

	events, err := d.Start()
	if err != nil {
		t.Fatal(err)
	}
	got := collect(t, events, 5*time.Second)

	sawError := false
	for _, ev := range got {
		if ev.Kind == EventError && ev.Err == "FATAL: no credit" {
			sawError = true
		}
	}
	if !sawError {
		t.Errorf("no error event in %v", got)
	}
	last := got[len(got)-1]
	if last.Kind != EventExit || last.Code != 3 {
		t.Errorf("exit event = %+v, want code 3", last)
	}
}

func TestDriverStopTerminatesProcess(t *testing.T) {
	d := NewDriver(shellSpec(`sleep 30`), Tunnel{ServiceID: 4, Port: 80, Protocol: "http"})

	events, err := d.Start()
	if err != nil {
		t.Fatal(err)
	}
	if !d.Alive() {
		t.Fatal("driver not alive after start")
	}

	d.Stop(2 * time.Second)
	got := collect(t, events, 5*time.Second)

	if len(got) == 0 || got[len(got)-1].Kind != EventExit {
		t.Fatalf("expected exit event, got %v", got)
	}
	if d.Alive() {
		t.Error("driver still alive after stop")
	}
}

func TestDriverDoubleStartRejected(t *testing.T) {
	d := NewDriver(shellSpec(`sleep 1`), Tunnel{ServiceID: 5, Port: 80, Protocol: "http"})

	events, err := d.Start()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.Start(); err == nil {
		t.Error("second Start should fail")
	}
	d.Stop(time.Second)
	collect(t, events, 5*time.Second)
}

func TestDriverRejectsUnsupportedProtocol(t *testing.T) {
	d := NewDriver(shellSpec(`true`), Tunnel{ServiceID: 6, Port: 80, Protocol: "udp"})
	if _, err := d.Start(); err == nil {
		t.Error("unsupported protocol should fail before spawn")
	}
}

func TestDriverStopBeforeStart(t *testing.T) {
	d := NewDriver(shellSpec(`true`), Tunnel{ServiceID: 7, Port: 80, Protocol: "http"})
	d.Stop(time.Second) // must not panic
}
