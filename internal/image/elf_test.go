package image

import (
	"debug/elf"
	"os"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/sigscan/internal/memory"
)

// testImage returns the bytes of the running test binary, which is ELF on Linux.
func testImage(t *testing.T) (string, []byte) {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("test binary is only ELF on linux")
	}

	path, err := os.Executable()
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return path, data
}

func TestParseSections(t *testing.T) {
	path, data := testImage(t)

	sections, err := parseSections(data, 0x1000_0000)
	require.NoError(t, err)

	byName := make(map[string]Section)
	for _, s := range sections {
		byName[s.Name] = s
	}

	head, ok := byName[ElfHeadSection]
	require.True(t, ok, "null section is reported as the ELF header")
	assert.Equal(t, Region{Start: 0x1000_0000, End: 0x1000_0000 + 64}, head.Region)
	assert.False(t, head.Executable)

	f, err := elf.Open(path)
	require.NoError(t, err)
	defer f.Close() // nolint:errcheck

	text := f.Section(".text")
	require.NotNil(t, text)
	got, ok := byName[".text"]
	require.True(t, ok)
	assert.True(t, got.Executable)
	assert.Equal(t, Region{Start: 0x1000_0000 + text.Addr, End: 0x1000_0000 + text.Addr + text.Size}, got.Region)

	rodata, ok := byName[".rodata"]
	require.True(t, ok)
	assert.False(t, rodata.Executable)

	_, ok = byName[".symtab"]
	assert.False(t, ok, "non-allocated sections are dropped")
}

func TestParseSections_NotELF(t *testing.T) {
	_, err := parseSections([]byte("#!/bin/sh\necho hi\n"), 0)
	assert.ErrorIs(t, err, ErrNotELF)
}

func TestReadProgramHeaders(t *testing.T) {
	path, data := testImage(t)

	const at = 0x7f00_0000_0000
	mem := memory.NewFixture().Map(at, data)

	headers, err := readProgramHeaders(mem, at)
	require.NoError(t, err)

	fromFile, err := fileProgramHeaders(path)
	require.NoError(t, err)
	assert.Equal(t, fromFile, headers)

	executable := 0
	for _, h := range headers {
		if h.Executable() {
			executable++
		}
	}
	assert.Positive(t, executable)
}

func TestReadProgramHeaders_Errors(t *testing.T) {
	mem := memory.NewFixture().
		Map(0x1000, []byte("not an elf image at all, just text"))

	_, err := readProgramHeaders(mem, 0x1000)
	assert.ErrorIs(t, err, ErrNotELF)

	_, err = readProgramHeaders(mem, 0x9000)
	assert.ErrorIs(t, err, memory.ErrFault)
}

func TestLoadBias(t *testing.T) {
	tests := []struct {
		name     string
		mapStart uint64
		headers  []ProgHeader
		want     uint64
	}{
		{
			name:     "position independent",
			mapStart: 0x7f00_0000_0000,
			headers: []ProgHeader{
				{Type: elf.PT_PHDR, Vaddr: 0x40},
				{Type: elf.PT_LOAD, Vaddr: 0},
			},
			want: 0x7f00_0000_0000,
		},
		{
			name:     "fixed address",
			mapStart: 0x400000,
			headers:  []ProgHeader{{Type: elf.PT_LOAD, Vaddr: 0x400000}},
			want:     0,
		},
		{
			name:     "unaligned first segment",
			mapStart: 0x55d0_0000_0000,
			headers:  []ProgHeader{{Type: elf.PT_LOAD, Off: 0x40, Vaddr: 0x400040}},
			want:     0x55d0_0000_0000 - 0x400000,
		},
		{
			name:     "no loadable segment",
			mapStart: 0x1000,
			want:     0x1000,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, loadBias(tt.mapStart, tt.headers, 0x1000))
		})
	}
}
