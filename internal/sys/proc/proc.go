// Package proc provides utilities for process introspection on Linux systems.
// It parses /proc/<pid>/maps to find the modules mapped into a process and
// resolves process identity through gopsutil.
package proc

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
)

const deletedSuffix = " (deleted)"

// ErrProcessNotFound is returned by FindPidsByName when nothing matches.
var ErrProcessNotFound = errors.New("process not found")

// MapEntry is one line of /proc/<pid>/maps.
type MapEntry struct {
	Start  uint64
	End    uint64
	Perms  string
	Offset uint64
	Inode  uint64
	// Path is the backing file, pseudo-path ("[heap]") or empty for anonymous
	// mappings. The " (deleted)" marker is stripped and reported in Deleted.
	Path    string
	Deleted bool
}

// Readable reports whether the mapping has read permission.
func (e MapEntry) Readable() bool {
	return len(e.Perms) > 0 && e.Perms[0] == 'r'
}

// Executable reports whether the mapping has execute permission.
func (e MapEntry) Executable() bool {
	return len(e.Perms) > 2 && e.Perms[2] == 'x'
}

// FileBacked reports whether the mapping is backed by a file on disk.
func (e MapEntry) FileBacked() bool {
	return strings.HasPrefix(e.Path, "/")
}

// Contains reports whether addr lies in [Start, End).
func (e MapEntry) Contains(addr uint64) bool {
	return addr >= e.Start && addr < e.End
}

// Module is a file mapped into a process.
type Module struct {
	// Path is the absolute path of the backing file.
	Path string
	// Base is the address at which file offset zero is mapped.
	Base uint64
}

// mapsPath returns the maps file for pid; zero selects the current process.
func mapsPath(pid int) string {
	if pid == 0 {
		return "/proc/self/maps"
	}
	return fmt.Sprintf("/proc/%d/maps", pid)
}

// ReadMaps reads and parses /proc/<pid>/maps. A pid of zero reads the current
// process.
func ReadMaps(pid int) ([]MapEntry, error) {
	path := mapsPath(pid)
	//nolint:gosec // G304: Path is from /proc filesystem for system information.
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close() // nolint:errcheck

	entries, err := ParseMaps(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return entries, nil
}

// ParseMaps parses the maps format. Malformed lines are skipped.
func ParseMaps(r io.Reader) ([]MapEntry, error) {
	var entries []MapEntry
	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		// Fields: range perms offset dev inode [path...]
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 {
			continue
		}

		bounds := strings.SplitN(fields[0], "-", 2)
		if len(bounds) != 2 {
			continue
		}
		start, err := strconv.ParseUint(bounds[0], 16, 64)
		if err != nil {
			continue
		}
		end, err := strconv.ParseUint(bounds[1], 16, 64)
		if err != nil {
			continue
		}
		offset, err := strconv.ParseUint(fields[2], 16, 64)
		if err != nil {
			continue
		}
		inode, err := strconv.ParseUint(fields[4], 10, 64)
		if err != nil {
			continue
		}

		entry := MapEntry{
			Start:  start,
			End:    end,
			Perms:  fields[1],
			Offset: offset,
			Inode:  inode,
		}
		if len(fields) > 5 {
			path := strings.Join(fields[5:], " ")
			if strings.HasSuffix(path, deletedSuffix) {
				path = strings.TrimSuffix(path, deletedSuffix)
				entry.Deleted = true
			}
			entry.Path = path
		}

		entries = append(entries, entry)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Modules returns the distinct live file-backed modules in entries, in order of
// first appearance. Deleted files are skipped.
func Modules(entries []MapEntry) []Module {
	var (
		modules []Module
		index   = make(map[string]int)
	)

	for _, e := range entries {
		if !e.FileBacked() || e.Deleted {
			continue
		}
		base := e.Start - e.Offset
		if i, ok := index[e.Path]; ok {
			// The lowest mapping wins.
			if base < modules[i].Base {
				modules[i].Base = base
			}
			continue
		}
		index[e.Path] = len(modules)
		modules = append(modules, Module{Path: e.Path, Base: base})
	}

	return modules
}

// ModuleAt returns the module whose mappings contain addr.
func ModuleAt(entries []MapEntry, addr uint64) (Module, bool) {
	for _, e := range entries {
		if !e.Contains(addr) || !e.FileBacked() {
			continue
		}
		for _, m := range Modules(entries) {
			if m.Path == e.Path {
				return m, true
			}
		}
	}
	return Module{}, false
}

// LibraryBase returns the start of the first mapping whose path contains name and
// which maps file offset zero, or zero if the library is not loaded.
func LibraryBase(entries []MapEntry, name string) uint64 {
	if name == "" {
		return 0
	}
	for _, e := range entries {
		if e.Offset == 0 && e.FileBacked() && strings.Contains(e.Path, name) {
			return e.Start
		}
	}
	return 0
}

// ExecutablePath returns the absolute path of the executable for pid. A pid of
// zero selects the current process.
func ExecutablePath(pid int) (string, error) {
	p, err := newProcess(pid)
	if err != nil {
		return "", err
	}
	exe, err := p.Exe()
	if err != nil {
		return "", fmt.Errorf("failed to resolve executable of pid %d: %w", p.Pid, err)
	}
	return strings.TrimSuffix(exe, deletedSuffix), nil
}

// ProcessName returns the short name of the process, as shown by ps.
func ProcessName(pid int) (string, error) {
	p, err := newProcess(pid)
	if err != nil {
		return "", err
	}
	return p.Name()
}

func newProcess(pid int) (*process.Process, error) {
	if pid == 0 {
		pid = os.Getpid()
	}
	//nolint:gosec // G115: PIDs fit in int32 on Linux.
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, fmt.Errorf("failed to open process %d: %w", pid, err)
	}
	return p, nil
}

// FindPidsByName returns the PIDs of processes whose name or executable base name
// equals name, sorted ascending.
func FindPidsByName(name string) ([]int, error) {
	pids, err := ListPids()
	if err != nil {
		return nil, err
	}

	var matches []int
	for _, pid := range pids {
		if n, err := ProcessName(pid); err == nil && n == name {
			matches = append(matches, pid)
			continue
		}
		if exe, err := ExecutablePath(pid); err == nil && filepath.Base(exe) == name {
			matches = append(matches, pid)
		}
	}

	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrProcessNotFound, name)
	}
	return matches, nil
}

// ListPids returns a list of all running process IDs from /proc.
// Pids are sorted in ascending order.
func ListPids() ([]int, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, fmt.Errorf("failed to read /proc: %w", err)
	}

	var pids []int
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		// Parse PID from directory name.
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue // Not a numeric directory.
		}

		if pid > 0 {
			pids = append(pids, pid)
		}
	}
	// Sort PIDs (lowest first).
	sort.Ints(pids)

	return pids, nil
}
