package privilege

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

// fakeProc points the package at a synthetic /proc with a self status and one
// target process owned by targetUID.
func fakeProc(t *testing.T, euid int, capEff string, scope string, targetUID int) int {
	t.Helper()

	root := t.TempDir()
	const target = 4242

	write := func(path, content string) {
		t.Helper()
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	write(filepath.Join(root, "self", "status"), "Name:\tsigscan\nCapEff:\t"+capEff+"\n")
	uid := strconv.Itoa(targetUID)
	write(filepath.Join(root, strconv.Itoa(target), "status"), "Name:\ttarget\nUid:\t"+uid+"\t"+uid+"\t"+uid+"\t"+uid+"\n")

	scopePath := filepath.Join(root, "ptrace_scope")
	if scope != "" {
		write(scopePath, scope+"\n")
	}

	oldRoot, oldScope, oldEuid := procRoot, ptraceScopePath, geteuid
	procRoot, ptraceScopePath = root, scopePath
	geteuid = func() int { return euid }
	t.Cleanup(func() {
		procRoot, ptraceScopePath, geteuid = oldRoot, oldScope, oldEuid
	})

	return target
}

func TestIsRoot(t *testing.T) {
	if got, want := IsRoot(), os.Geteuid() == 0; got != want {
		t.Errorf("IsRoot() = %v, expected %v (euid=%d)", got, want, os.Geteuid())
	}
}

func TestIsRunningUnderSudo(t *testing.T) {
	t.Setenv("SUDO_USER", "")
	if IsRunningUnderSudo() {
		t.Error("IsRunningUnderSudo() = true with empty SUDO_USER")
	}

	t.Setenv("SUDO_USER", "testuser")
	if !IsRunningUnderSudo() {
		t.Error("IsRunningUnderSudo() = false with SUDO_USER set")
	}
}

func TestHasPtraceCapability(t *testing.T) {
	tests := []struct {
		name    string
		capEff  string
		want    bool
		wantErr bool
	}{
		{name: "no capabilities", capEff: "0000000000000000", want: false},
		{name: "full root set", capEff: "000001ffffffffff", want: true},
		{name: "only CAP_SYS_PTRACE", capEff: "0000000000080000", want: true},
		{name: "CAP_SYS_ADMIN without ptrace", capEff: "0000000000200000", want: false},
		{name: "malformed", capEff: "zz", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fakeProc(t, 1000, tt.capEff, "", 1000)

			got, err := HasPtraceCapability()
			if (err != nil) != tt.wantErr {
				t.Fatalf("HasPtraceCapability() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("HasPtraceCapability() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPtraceScope(t *testing.T) {
	fakeProc(t, 1000, "0", "", 1000)
	scope, err := PtraceScope()
	if err != nil || scope != -1 {
		t.Errorf("PtraceScope() without Yama = %d, %v; want -1, nil", scope, err)
	}

	fakeProc(t, 1000, "0", "2", 1000)
	scope, err = PtraceScope()
	if err != nil || scope != 2 {
		t.Errorf("PtraceScope() = %d, %v; want 2, nil", scope, err)
	}

	fakeProc(t, 1000, "0", "high", 1000)
	if _, err := PtraceScope(); err == nil {
		t.Error("PtraceScope() accepted a non-numeric setting")
	}
}

func TestProcessUID(t *testing.T) {
	pid := fakeProc(t, 1000, "0", "", 1001)

	uid, err := ProcessUID(pid)
	if err != nil {
		t.Fatalf("ProcessUID() error = %v", err)
	}
	if uid != 1001 {
		t.Errorf("ProcessUID() = %d, want 1001", uid)
	}

	if _, err := ProcessUID(1); err == nil {
		t.Error("ProcessUID() of a missing process returned no error")
	}
}

func TestCheckProcessAccess(t *testing.T) {
	const noCaps, ptraceCap = "0000000000000000", "0000000000080000"

	tests := []struct {
		name      string
		euid      int
		capEff    string
		scope     string
		targetUID int
		wantErr   bool
	}{
		{name: "same user without Yama", euid: 1000, capEff: noCaps, targetUID: 1000},
		{name: "same user, scope 0", euid: 1000, capEff: noCaps, scope: "0", targetUID: 1000},
		{name: "same user, scope 1", euid: 1000, capEff: noCaps, scope: "1", targetUID: 1000, wantErr: true},
		{name: "other user", euid: 1000, capEff: noCaps, scope: "0", targetUID: 0, wantErr: true},
		{name: "root, scope 2", euid: 0, capEff: noCaps, scope: "2", targetUID: 1000},
		{name: "capability, scope 1", euid: 1000, capEff: ptraceCap, scope: "1", targetUID: 0},
		{name: "unprivileged, scope 2", euid: 1000, capEff: noCaps, scope: "2", targetUID: 1000, wantErr: true},
		{name: "root, scope 3", euid: 0, capEff: ptraceCap, scope: "3", targetUID: 0, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pid := fakeProc(t, tt.euid, tt.capEff, tt.scope, tt.targetUID)

			err := CheckProcessAccess(pid)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CheckProcessAccess() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrAccessDenied) {
				t.Errorf("CheckProcessAccess() error = %v, want ErrAccessDenied", err)
			}
		})
	}
}

func TestCheckProcessAccess_Self(t *testing.T) {
	fakeProc(t, 1000, "0", "3", 0)

	if err := CheckProcessAccess(0); err != nil {
		t.Errorf("CheckProcessAccess(0) = %v", err)
	}
	if err := CheckProcessAccess(os.Getpid()); err != nil {
		t.Errorf("CheckProcessAccess(self) = %v", err)
	}
}
