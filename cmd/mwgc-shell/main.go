// Command mwgc-shell is an interactive debugging shell for an mwgc heap. It
// builds a heap in a scratch region and drives it with small commands:
// allocate and retire named spans, plant pointers, run full or incremental
// collections, and look at the block map while doing so.
//
// Commands can also come from a YAML scenario file:
//
//	heap: 4KB
//	steps:
//	  - alloc 64 a
//	  - alloc 200 b
//	  - poke a 0 b
//	  - gc a
//	  - dump
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"unsafe"

	"github.com/google/shlex"
	"github.com/inhies/go-bytesize"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-tty"
	"gopkg.in/yaml.v2"

	"github.com/robey/mwgc"
)

var (
	flagSize   = flag.String("size", "4KB", "heap region size")
	flagScript = flag.String("script", "", "run a YAML scenario instead of the REPL")
	flagColor  = flag.Bool("color", true, "colorize heap dumps")
)

// scenario is the YAML layout of a scripted session.
type scenario struct {
	Heap  string   `yaml:"heap"`
	Steps []string `yaml:"steps"`
}

// shell holds one heap plus the naming environment the commands operate on.
type shell struct {
	heap  *mwgc.Heap
	out   io.Writer
	color bool

	names map[string]uintptr // user-named allocations
	seq   int                // counter for auto-generated names
	snap  *mwgc.Snapshot     // last "snap", compared by "verify"
}

func newShell(regionSize int, out io.Writer, color bool) (*shell, error) {
	heap, err := mwgc.FromRegion(make([]byte, regionSize))
	if err != nil {
		return nil, err
	}
	return &shell{heap: heap, out: out, color: color, names: map[string]uintptr{}}, nil
}

func (s *shell) lookup(name string) (uintptr, error) {
	if addr, ok := s.names[name]; ok {
		return addr, nil
	}
	return 0, fmt.Errorf("no allocation named %q", name)
}

// roots resolves a list of names into a root set.
func (s *shell) roots(names []string) ([]uintptr, error) {
	roots := make([]uintptr, 0, len(names))
	for _, n := range names {
		addr, err := s.lookup(n)
		if err != nil {
			return nil, err
		}
		roots = append(roots, addr)
	}
	return roots, nil
}

// parseSize accepts either a plain byte count or a bytesize string ("4KB").
func parseSize(s string) (int, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	bs, err := bytesize.Parse(s)
	if err != nil {
		return 0, err
	}
	return int(bs), nil
}

var errQuit = errors.New("quit")

func (s *shell) exec(line string) error {
	args, err := shlex.Split(line)
	if err != nil {
		return err
	}
	if len(args) == 0 || strings.HasPrefix(args[0], "#") {
		return nil
	}

	cmd, args := args[0], args[1:]
	switch cmd {
	case "alloc":
		if len(args) < 1 {
			return errors.New("usage: alloc SIZE [NAME]")
		}
		size, err := parseSize(args[0])
		if err != nil {
			return err
		}
		ptr, err := s.heap.Alloc(uintptr(size))
		if err != nil {
			return err
		}
		name := fmt.Sprintf("$%d", s.seq)
		s.seq++
		if len(args) > 1 {
			name = args[1]
		}
		s.names[name] = uintptr(ptr)
		fmt.Fprintf(s.out, "%s = %#x\n", name, uintptr(ptr))

	case "retire":
		if len(args) != 1 {
			return errors.New("usage: retire NAME")
		}
		addr, err := s.lookup(args[0])
		if err != nil {
			return err
		}
		s.heap.Retire(unsafe.Pointer(addr))
		delete(s.names, args[0])

	case "poke":
		// poke NAME OFFSET TARGET: store TARGET's address into NAME's span.
		if len(args) != 3 {
			return errors.New("usage: poke NAME OFFSET TARGET")
		}
		addr, err := s.lookup(args[0])
		if err != nil {
			return err
		}
		off, err := strconv.Atoi(args[1])
		if err != nil {
			return err
		}
		target, err := s.lookup(args[2])
		if err != nil {
			return err
		}
		*(*uintptr)(unsafe.Pointer(addr + uintptr(off))) = target

	case "gc", "mark", "mark-start":
		roots, err := s.roots(args)
		if err != nil {
			return err
		}
		switch cmd {
		case "gc":
			s.heap.GC(roots)
		case "mark":
			s.heap.Mark(roots)
		case "mark-start":
			s.heap.MarkStart(roots)
		}
		s.dropFreed()

	case "mark-round":
		fmt.Fprintf(s.out, "done = %v\n", s.heap.MarkRound())

	case "mark-check":
		if len(args) != 1 {
			return errors.New("usage: mark-check NAME")
		}
		addr, err := s.lookup(args[0])
		if err != nil {
			return err
		}
		s.heap.MarkCheck(unsafe.Pointer(addr))

	case "sweep":
		s.heap.Sweep()
		s.dropFreed()

	case "stats":
		fmt.Fprintln(s.out, s.heap.Stats())

	case "dump":
		s.dump()

	case "names":
		names := make([]string, 0, len(s.names))
		for n := range s.names {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			fmt.Fprintf(s.out, "%s = %#x\n", n, s.names[n])
		}

	case "snap":
		s.snap = s.heap.Snapshot()
		fmt.Fprintf(s.out, "snapshot crc %#04x\n", s.snap.Checksum())

	case "verify":
		if s.snap == nil {
			return errors.New("no snapshot taken yet")
		}
		now := s.heap.Checksum()
		was := s.snap.Checksum()
		if now == was {
			fmt.Fprintf(s.out, "unchanged (crc %#04x)\n", now)
		} else {
			fmt.Fprintf(s.out, "heap changed: crc %#04x, was %#04x\n", now, was)
		}

	case "help":
		fmt.Fprint(s.out, helpText)

	case "quit", "exit":
		return errQuit

	default:
		return fmt.Errorf("unknown command %q (try \"help\")", cmd)
	}
	return nil
}

// dropFreed forgets names whose spans a collection has reclaimed, so later
// commands cannot dereference them.
func (s *shell) dropFreed() {
	for name, addr := range s.names {
		if !s.heap.IsAllocated(unsafe.Pointer(addr)) {
			delete(s.names, name)
		}
	}
}

const (
	ansiReset  = "\x1b[0m"
	ansiCyan   = "\x1b[36m"
	ansiYellow = "\x1b[33m"
	ansiFaint  = "\x1b[2m"
)

// dump prints the block map, colorized when enabled: heads cyan, gray blocks
// yellow, free blocks faint.
func (s *shell) dump() {
	var raw strings.Builder
	s.heap.Dump(&raw)
	if !s.color {
		io.WriteString(s.out, raw.String())
		return
	}
	for _, r := range raw.String() {
		switch r {
		case '*':
			fmt.Fprint(s.out, ansiCyan+"*"+ansiReset)
		case '#':
			fmt.Fprint(s.out, ansiYellow+"#"+ansiReset)
		case '·':
			fmt.Fprint(s.out, ansiFaint+"·"+ansiReset)
		default:
			fmt.Fprintf(s.out, "%c", r)
		}
	}
}

const helpText = `commands:
  alloc SIZE [NAME]        allocate a span (SIZE may be "200" or "1KB")
  retire NAME              return a span to the free list
  poke NAME OFFSET TARGET  store TARGET's address into NAME at OFFSET
  gc [NAME...]             full collection with the named spans as roots
  mark [NAME...]           full mark phase only
  mark-start [NAME...]     open an incremental cycle
  mark-round               one incremental round; prints whether mark is done
  mark-check NAME          write barrier for NAME
  sweep                    sweep and swap live colors
  stats                    heap statistics
  dump                     block map (* head, - interior, # gray, · free)
  names                    list live named spans
  snap                     snapshot the block map and print its checksum
  verify                   compare the current block map against the snapshot
  quit
`

func runScript(path string, out io.Writer, color bool) error {
	text, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var sc scenario
	if err := yaml.Unmarshal(text, &sc); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	size := *flagSize
	if sc.Heap != "" {
		size = sc.Heap
	}
	regionSize, err := parseSize(size)
	if err != nil {
		return err
	}
	sh, err := newShell(regionSize, out, color)
	if err != nil {
		return err
	}
	for i, step := range sc.Steps {
		fmt.Fprintf(out, "> %s\n", step)
		if err := sh.exec(step); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			return fmt.Errorf("step %d (%s): %w", i+1, step, err)
		}
	}
	return nil
}

func repl(out io.Writer, color bool) error {
	regionSize, err := parseSize(*flagSize)
	if err != nil {
		return err
	}
	sh, err := newShell(regionSize, out, color)
	if err != nil {
		return err
	}
	t, err := tty.Open()
	if err != nil {
		return err
	}
	defer t.Close()

	fmt.Fprintf(out, "mwgc heap of %s; \"help\" for commands\n", bytesize.New(float64(regionSize)))
	for {
		fmt.Fprint(out, "mwgc> ")
		line, err := t.ReadString()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := sh.exec(line); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			fmt.Fprintln(out, "error:", err)
		}
	}
}

func main() {
	flag.Parse()
	out := colorable.NewColorableStdout()
	var err error
	if *flagScript != "" {
		err = runScript(*flagScript, out, *flagColor)
	} else {
		err = repl(out, *flagColor)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "mwgc-shell:", err)
		os.Exit(1)
	}
}
