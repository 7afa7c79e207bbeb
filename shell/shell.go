// Package shell implements the line-oriented command console: restart,
// heap, getticklf, gettickhf, gettimeofday, tasks, abuse_stack <n> and
// gsm_tx <line>. It is the host-CLI analogue of the original firmware's
// USB-CDC terminal task, with the cursor/prompt-rendering half dropped -
// a plain stdin/stdout REPL has no split-screen log view to protect.
package shell

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/racetel/televib/collector"
	"github.com/racetel/televib/command"
	"github.com/racetel/televib/coordinator"
	"github.com/racetel/televib/watchdog"
)

// Dependencies are the collaborators a command may need. All fields are
// optional; a nil collaborator makes the commands that need it report an
// error instead of panicking.
type Dependencies struct {
	Collector   *collector.Collector
	Coordinator *coordinator.Coordinator
	Checkers    func() []watchdog.HealthChecker
	Started     time.Time
	// Restart is invoked by the restart command. The default exits the
	// process with a non-zero status, relying on a process supervisor to
	// bring it back up - the host analogue of NVIC_SystemReset().
	Restart func()
}

// Shell is the command dispatcher. It has no internal mutable state of
// its own beyond what Dependencies supplies, so one Shell can safely be
// driven from multiple Run calls (e.g. stdin and a future remote
// console) concurrently.
type Shell struct {
	deps   Dependencies
	logger *log.Logger
}

// New returns a Shell ready to dispatch commands.
func New(deps Dependencies, logger *log.Logger) *Shell {
	if deps.Restart == nil {
		deps.Restart = func() { os.Exit(1) }
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Shell{deps: deps, logger: logger}
}

// Run reads newline-terminated commands from r and writes prompts and
// command output to w, until r is exhausted or stop is closed.
func (s *Shell) Run(r io.Reader, w io.Writer, stop <-chan struct{}) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	fmt.Fprint(w, "> ")
	for {
		select {
		case <-stop:
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			s.dispatch(strings.TrimSpace(line), w)
			fmt.Fprint(w, "> ")
		}
	}
}

func (s *Shell) dispatch(line string, w io.Writer) {
	if line == "" {
		return
	}
	switch {
	case line == "restart":
		fmt.Fprintln(w, "restarting")
		s.deps.Restart()
	case line == "heap":
		s.cmdHeap(w)
	case line == "getticklf":
		fmt.Fprintln(w, s.uptime())
	case line == "gettickhf":
		fmt.Fprintln(w, s.uptime().Nanoseconds())
	case line == "gettimeofday":
		fmt.Fprintln(w, time.Now().Format(time.RFC3339Nano))
	case line == "tasks":
		s.cmdTasks(w)
	case strings.HasPrefix(line, "abuse_stack"):
		s.cmdAbuseStack(line, w)
	case strings.HasPrefix(line, "gsm_tx"):
		s.cmdGsmTx(line, w)
	default:
		fmt.Fprintln(w, "unknown command")
	}
}

func (s *Shell) uptime() time.Duration {
	if s.deps.Started.IsZero() {
		return 0
	}
	return time.Since(s.deps.Started)
}

func (s *Shell) cmdHeap(w io.Writer) {
	if s.deps.Collector == nil {
		fmt.Fprintln(w, "no collector configured")
		return
	}
	free := s.deps.Collector.GetInt("heap_free", -1)
	allocs := s.deps.Collector.GetInt("heap_allocations", -1)
	frees := s.deps.Collector.GetInt("heap_deallocations", -1)
	fmt.Fprintf(w, "%d bytes free\n", free)
	fmt.Fprintf(w, "%d malloc calls\n", allocs)
	fmt.Fprintf(w, "%d free calls\n", frees)
}

func (s *Shell) cmdTasks(w io.Writer) {
	if s.deps.Checkers == nil {
		fmt.Fprintln(w, "no health checkers configured")
		return
	}
	for _, c := range s.deps.Checkers() {
		status := "ok"
		if !c.Healthy() {
			status = "unhealthy"
		}
		fmt.Fprintf(w, "%s: %s\n", c.Name(), status)
	}
}

// stackAbuser mirrors the original's recursive stack_abuser - an
// intentionally pointless recursive computation used to exercise
// (and, on the device, deliberately overrun) stack depth.
func stackAbuser(i int) int {
	if i <= 1 {
		return 1
	}
	return 1 + stackAbuser(i-1)*2
}

func (s *Shell) cmdAbuseStack(line string, w io.Writer) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		fmt.Fprintln(w, "bad argument")
		return
	}
	n, err := strconv.Atoi(fields[1])
	if err != nil {
		fmt.Fprintln(w, "bad argument")
		return
	}
	fmt.Fprintf(w, "result: %d\n", stackAbuser(n))
}

func (s *Shell) cmdGsmTx(line string, w io.Writer) {
	if s.deps.Coordinator == nil {
		fmt.Fprintln(w, "no coordinator configured")
		return
	}
	_, rest, ok := strings.Cut(line, " ")
	if !ok || strings.TrimSpace(rest) == "" {
		fmt.Fprintln(w, "usage: gsm_tx <AT command line>")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	replies, err := s.deps.Coordinator.SendSync(ctx, command.Raw{Line: strings.TrimSpace(rest)})
	if err != nil {
		fmt.Fprintf(w, "error: %v\n", err)
		return
	}
	for _, r := range replies {
		fmt.Fprintf(w, " %#v\n", r)
	}
}
