package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"unsafe"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/joshuapare/hphakit/hpha"
	"github.com/joshuapare/hphakit/pkg/config"
)

var shellCommands = []string{
	"alloc", "free", "realloc", "resize", "size", "owner",
	"list", "gc", "stats", "check", "help", "quit",
}

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Interactive allocation shell",
	Long: `The shell command opens a prompt for driving one allocator by hand.
Allocations are numbered; refer to them by number in later commands.

Example session:
  hpha> alloc 100
  #1 100 bytes at 0x7f2a4c001fc0 (bucket)
  hpha> realloc 1 5000
  hpha> stats`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, _, _, err := openSchema(config.File{Checked: true})
		if err != nil {
			return err
		}
		defer s.Close()
		return newShell(s, cmd.OutOrStdout()).Run()
	},
}

func init() {
	rootCmd.AddCommand(shellCmd)
}

type shellEntry struct {
	p     unsafe.Pointer
	size  int
	align int
}

// shell interprets allocation commands against one schema.
type shell struct {
	s    *hpha.Schema
	out  io.Writer
	live map[int]shellEntry
	next int
}

func newShell(s *hpha.Schema, out io.Writer) *shell {
	return &shell{s: s, out: out, live: make(map[int]shellEntry), next: 1}
}

func shellHistoryFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".hphactl_history")
}

// Run reads commands until quit or end of input. Live allocations are
// released on exit.
func (sh *shell) Run() error {
	line := liner.NewLiner()
	defer line.Close()

	line.SetCtrlCAborts(true)
	line.SetCompleter(func(in string) []string {
		var out []string
		for _, c := range shellCommands {
			if strings.HasPrefix(c, strings.ToLower(in)) {
				out = append(out, c)
			}
		}
		return out
	})
	if f, err := os.Open(shellHistoryFile()); err == nil {
		_, _ = line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if path := shellHistoryFile(); path != "" {
			if f, err := os.Create(path); err == nil {
				_, _ = line.WriteHistory(f)
				f.Close()
			}
		}
	}()

	fmt.Fprintln(sh.out, "hphactl shell; type 'help' for commands")
	for {
		in, err := line.Prompt("hpha> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("reading input: %w", err)
		}
		if strings.TrimSpace(in) == "" {
			continue
		}
		line.AppendHistory(in)
		if sh.exec(in) {
			break
		}
	}
	sh.releaseAll()
	return nil
}

// exec runs one command line and reports whether the shell should exit.
func (sh *shell) exec(in string) bool {
	fields := strings.Fields(in)
	if len(fields) == 0 {
		return false
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	var err error
	switch cmd {
	case "quit", "exit", "q":
		return true
	case "help", "?":
		sh.help()
	case "alloc", "a":
		err = sh.alloc(args)
	case "free", "f":
		err = sh.free(args)
	case "realloc":
		err = sh.realloc(args)
	case "resize":
		err = sh.resize(args)
	case "size":
		err = sh.withEntry(args, func(id int, e shellEntry) {
			fmt.Fprintf(sh.out, "#%d usable %d bytes (requested %d)\n", id, sh.s.AllocationSize(e.p), e.size)
		})
	case "owner":
		err = sh.withEntry(args, func(id int, e shellEntry) {
			fmt.Fprintf(sh.out, "#%d %s\n", id, sh.s.Owner(e.p))
		})
	case "list", "ls":
		sh.list()
	case "gc":
		fmt.Fprintf(sh.out, "released %d bytes\n", sh.s.GarbageCollect())
	case "stats":
		fmt.Fprintf(sh.out, "allocated %d bytes, %d unallocated, largest free %d\n",
			sh.s.NumAllocatedBytes(), sh.s.UnallocatedMemory(), sh.s.MaxAllocationSize())
		sh.s.Stats().Fprint(sh.out)
	case "check":
		if err = sh.s.Check(); err == nil {
			fmt.Fprintln(sh.out, "heap ok")
		}
	default:
		err = fmt.Errorf("unknown command %q (type 'help' for commands)", cmd)
	}
	if err != nil {
		fmt.Fprintln(sh.out, "error:", err)
	}
	return false
}

func (sh *shell) help() {
	fmt.Fprint(sh.out, `commands:
  alloc <size> [align]     allocate, printing the new id
  free <id>                release an allocation
  realloc <id> <size>      move or resize an allocation
  resize <id> <size>       resize in place
  size <id>                usable size of an allocation
  owner <id>               manager holding an allocation (bucket or tree)
  list                     live allocations
  gc                       return unused pages to the system
  stats                    allocator statistics
  check                    validate heap invariants
  quit                     release everything and exit
`)
}

func parseInts(args []string, names ...string) ([]int, error) {
	if len(args) < len(names) {
		return nil, fmt.Errorf("missing %s", names[len(args)])
	}
	out := make([]int, len(args))
	for i, a := range args {
		if i < len(names) && strings.HasSuffix(names[i], "size") {
			n, err := config.ParseSize(a)
			if err != nil {
				return nil, err
			}
			out[i] = int(n)
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(a, "#"))
		if err != nil {
			return nil, fmt.Errorf("bad number %q", a)
		}
		out[i] = n
	}
	return out, nil
}

func (sh *shell) lookup(id int) (shellEntry, error) {
	e, ok := sh.live[id]
	if !ok {
		return shellEntry{}, fmt.Errorf("no live allocation #%d", id)
	}
	return e, nil
}

func (sh *shell) withEntry(args []string, fn func(int, shellEntry)) error {
	v, err := parseInts(args, "id")
	if err != nil {
		return err
	}
	e, err := sh.lookup(v[0])
	if err != nil {
		return err
	}
	fn(v[0], e)
	return nil
}

func (sh *shell) alloc(args []string) error {
	v, err := parseInts(args, "size")
	if err != nil {
		return err
	}
	e := shellEntry{size: v[0]}
	if len(v) > 1 {
		e.align = v[1]
		if e.align <= 0 || e.align&(e.align-1) != 0 {
			return fmt.Errorf("alignment %d is not a power of two", e.align)
		}
	}
	e.p = sh.s.Allocate(e.size, e.align)
	if e.p == nil {
		return fmt.Errorf("allocation of %d bytes failed", e.size)
	}
	id := sh.next
	sh.next++
	sh.live[id] = e
	fmt.Fprintf(sh.out, "#%d %d bytes at %p (%s)\n", id, e.size, e.p, sh.s.Owner(e.p))
	return nil
}

func (sh *shell) free(args []string) error {
	v, err := parseInts(args, "id")
	if err != nil {
		return err
	}
	e, err := sh.lookup(v[0])
	if err != nil {
		return err
	}
	sh.s.DeAllocate(e.p, e.size, e.align)
	delete(sh.live, v[0])
	return nil
}

func (sh *shell) realloc(args []string) error {
	v, err := parseInts(args, "id", "size")
	if err != nil {
		return err
	}
	e, err := sh.lookup(v[0])
	if err != nil {
		return err
	}
	np := sh.s.ReAllocate(e.p, v[1], e.align)
	if np == nil {
		return fmt.Errorf("realloc of #%d to %d bytes failed", v[0], v[1])
	}
	moved := np != e.p
	e.p, e.size = np, v[1]
	sh.live[v[0]] = e
	fmt.Fprintf(sh.out, "#%d %d bytes at %p (moved: %t)\n", v[0], e.size, e.p, moved)
	return nil
}

func (sh *shell) resize(args []string) error {
	v, err := parseInts(args, "id", "size")
	if err != nil {
		return err
	}
	e, err := sh.lookup(v[0])
	if err != nil {
		return err
	}
	got := sh.s.Resize(e.p, v[1])
	e.size = min(got, max(e.size, v[1]))
	sh.live[v[0]] = e
	fmt.Fprintf(sh.out, "#%d resized to %d bytes\n", v[0], got)
	return nil
}

func (sh *shell) list() {
	ids := make([]int, 0, len(sh.live))
	for id := range sh.live {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		e := sh.live[id]
		fmt.Fprintf(sh.out, "#%d\t%p\t%d bytes\t%s\n", id, e.p, e.size, sh.s.Owner(e.p))
	}
	fmt.Fprintf(sh.out, "%d live\n", len(ids))
}

func (sh *shell) releaseAll() {
	for id, e := range sh.live {
		sh.s.DeAllocate(e.p, e.size, e.align)
		delete(sh.live, id)
	}
}
