// Package privilege reports whether the current process may read the memory of
// another process, and why not.
//
// Reading another process with process_vm_readv or /proc/<pid>/mem needs
// ptrace attach rights: the same user (or CAP_SYS_PTRACE) and whatever the Yama
// ptrace_scope setting allows.
package privilege

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// capSysPtrace is the CAP_SYS_PTRACE bit (include/uapi/linux/capability.h).
const capSysPtrace = 19

// ErrAccessDenied is returned when reading the target will be refused.
var ErrAccessDenied = errors.New("process memory access denied")

// Overridden in tests.
var (
	procRoot        = "/proc"
	ptraceScopePath = "/proc/sys/kernel/yama/ptrace_scope"
	geteuid         = os.Geteuid
)

// IsRoot checks if the current process is running with root privileges (euid
// == 0).
func IsRoot() bool {
	return geteuid() == 0
}

// IsRunningUnderSudo checks if the process is running under sudo by checking
// for the SUDO_USER environment variable.
func IsRunningUnderSudo() bool {
	return os.Getenv("SUDO_USER") != ""
}

// HasPtraceCapability reports whether CAP_SYS_PTRACE is in the effective set
// of the current process.
func HasPtraceCapability() (bool, error) {
	value, err := readStatusField(filepath.Join(procRoot, "self", "status"), "CapEff")
	if err != nil {
		return false, err
	}

	// Format: "CapEff:\t00000000a80435fb"
	bitmask, err := strconv.ParseUint(value, 16, 64)
	if err != nil {
		return false, fmt.Errorf("failed to parse CapEff bitmask: %w", err)
	}
	return hasCapability(bitmask, capSysPtrace), nil
}

// PtraceScope returns the Yama ptrace_scope setting, or -1 when Yama is not
// enabled.
func PtraceScope() (int, error) {
	data, err := os.ReadFile(ptraceScopePath)
	if errors.Is(err, os.ErrNotExist) {
		return -1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", ptraceScopePath, err)
	}

	scope, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid ptrace_scope %q: %w", strings.TrimSpace(string(data)), err)
	}
	return scope, nil
}

// ProcessUID returns the effective UID of pid.
func ProcessUID(pid int) (int, error) {
	value, err := readStatusField(filepath.Join(procRoot, strconv.Itoa(pid), "status"), "Uid")
	if err != nil {
		return 0, err
	}

	// Format: "Uid:\treal\teffective\tsaved\tfs"
	fields := strings.Fields(value)
	if len(fields) < 2 {
		return 0, fmt.Errorf("invalid Uid line for pid %d: %q", pid, value)
	}
	return strconv.Atoi(fields[1])
}

// CheckProcessAccess predicts whether the memory of pid can be read. A pid of
// zero or the current PID is always readable. A nil result is a prediction,
// not a guarantee; a non-nil one wraps ErrAccessDenied with the reason.
func CheckProcessAccess(pid int) error {
	if pid == 0 || pid == os.Getpid() {
		return nil
	}

	scope, err := PtraceScope()
	if err != nil {
		return err
	}
	if scope >= 3 {
		return fmt.Errorf("%w: kernel.yama.ptrace_scope is %d, attaching to other processes is disabled", ErrAccessDenied, scope)
	}

	privileged := IsRoot()
	if !privileged {
		if privileged, err = HasPtraceCapability(); err != nil {
			return err
		}
	}
	if privileged {
		return nil
	}

	if scope == 2 {
		return fmt.Errorf("%w: kernel.yama.ptrace_scope is 2, run as root or grant CAP_SYS_PTRACE", ErrAccessDenied)
	}

	owner, err := ProcessUID(pid)
	if err != nil {
		return err
	}
	if owner != geteuid() {
		return fmt.Errorf("%w: pid %d is owned by uid %d, not %d", ErrAccessDenied, pid, owner, geteuid())
	}

	if scope == 1 {
		return fmt.Errorf("%w: kernel.yama.ptrace_scope is 1, only descendants of this process can be read", ErrAccessDenied)
	}
	return nil
}

// readStatusField returns the value of one "Name:\tvalue" line of a
// /proc/<pid>/status file.
func readStatusField(path, name string) (string, error) {
	//nolint:gosec // G304: Path is from /proc filesystem.
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close() // nolint:errcheck

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if value, ok := strings.CutPrefix(line, name+":"); ok {
			return strings.TrimSpace(value), nil
		}
	}

	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("failed to scan %s: %w", path, err)
	}

	return "", fmt.Errorf("%s not found in %s", name, path)
}

// hasCapability checks if a specific capability bit is set in the bitmask.
func hasCapability(bitmask uint64, capBit int) bool {
	return (bitmask & (1 << uint(capBit))) != 0
}
