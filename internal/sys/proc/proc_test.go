package proc

import (
	"os"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleMaps = `55d0c0a00000-55d0c0a02000 r--p 00000000 fd:01 1049 /usr/bin/app
55d0c0a02000-55d0c0a08000 r-xp 00002000 fd:01 1049 /usr/bin/app
55d0c0a08000-55d0c0a0a000 r--p 00008000 fd:01 1049 /usr/bin/app
55d0c1000000-55d0c1021000 rw-p 00000000 00:00 0 [heap]
7f1a2c000000-7f1a2c028000 r--p 00000000 fd:01 2201 /usr/lib/x86_64-linux-gnu/libc.so.6
7f1a2c028000-7f1a2c1bd000 r-xp 00028000 fd:01 2201 /usr/lib/x86_64-linux-gnu/libc.so.6
7f1a2c300000-7f1a2c301000 r-xp 00000000 fd:01 3300 /tmp/old plugin.so (deleted)
7f1a2c400000-7f1a2c401000 rw-p 00000000 00:00 0
bad line
7ffd1d9e0000-7ffd1da01000 rw-p 00000000 00:00 0 [stack]
`

func TestParseMaps(t *testing.T) {
	entries, err := ParseMaps(strings.NewReader(sampleMaps))
	require.NoError(t, err)
	require.Len(t, entries, 9)

	text := entries[1]
	assert.Equal(t, uint64(0x55d0c0a02000), text.Start)
	assert.Equal(t, uint64(0x55d0c0a08000), text.End)
	assert.Equal(t, uint64(0x2000), text.Offset)
	assert.Equal(t, uint64(1049), text.Inode)
	assert.Equal(t, "/usr/bin/app", text.Path)
	assert.True(t, text.Readable())
	assert.True(t, text.Executable())
	assert.True(t, text.FileBacked())

	heap := entries[3]
	assert.Equal(t, "[heap]", heap.Path)
	assert.False(t, heap.FileBacked())
	assert.False(t, heap.Executable())

	deleted := entries[6]
	assert.Equal(t, "/tmp/old plugin.so", deleted.Path)
	assert.True(t, deleted.Deleted)

	assert.Empty(t, entries[7].Path)
}

func TestModules(t *testing.T) {
	entries, err := ParseMaps(strings.NewReader(sampleMaps))
	require.NoError(t, err)

	modules := Modules(entries)
	require.Len(t, modules, 2)
	assert.Equal(t, Module{Path: "/usr/bin/app", Base: 0x55d0c0a00000}, modules[0])
	assert.Equal(t, Module{Path: "/usr/lib/x86_64-linux-gnu/libc.so.6", Base: 0x7f1a2c000000}, modules[1])
}

func TestModuleAt(t *testing.T) {
	entries, err := ParseMaps(strings.NewReader(sampleMaps))
	require.NoError(t, err)

	m, ok := ModuleAt(entries, 0x7f1a2c030000)
	require.True(t, ok)
	assert.Equal(t, "/usr/lib/x86_64-linux-gnu/libc.so.6", m.Path)
	assert.Equal(t, uint64(0x7f1a2c000000), m.Base)

	_, ok = ModuleAt(entries, 0x55d0c1000100)
	assert.False(t, ok, "heap is not a module")

	_, ok = ModuleAt(entries, 0x10)
	assert.False(t, ok)
}

func TestLibraryBase(t *testing.T) {
	entries, err := ParseMaps(strings.NewReader(sampleMaps))
	require.NoError(t, err)

	assert.Equal(t, uint64(0x7f1a2c000000), LibraryBase(entries, "libc.so.6"))
	assert.Equal(t, uint64(0x55d0c0a00000), LibraryBase(entries, "/usr/bin/app"))
	assert.Zero(t, LibraryBase(entries, "libmissing.so"))
	assert.Zero(t, LibraryBase(entries, ""))
}

func TestReadMaps_Self(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("requires /proc")
	}

	entries, err := ReadMaps(0)
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	exe, err := ExecutablePath(0)
	require.NoError(t, err)

	found := false
	for _, m := range Modules(entries) {
		if m.Path == exe {
			found = true
		}
	}
	assert.True(t, found, "test binary %s should be mapped", exe)
}

func TestListPids(t *testing.T) {
	pids, err := ListPids()
	if err != nil {
		// If /proc doesn't exist (macOS), it returns error.
		if runtime.GOOS == "linux" {
			t.Errorf("ListPids returned error on Linux: %v", err)
		}
		return
	}

	assert.Contains(t, pids, os.Getpid())
}
