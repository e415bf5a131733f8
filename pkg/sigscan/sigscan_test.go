package sigscan

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/sigscan/internal/hints"
	"github.com/coral-mesh/sigscan/internal/image"
	"github.com/coral-mesh/sigscan/internal/memory"
)

const (
	appBin = "/usr/bin/app"
	libFoo = "/usr/lib/libfoo.so"

	sigText = "DE AD BE EF"
	dataVal = uint64(0x1122334455667788)
)

var signature = []byte{0xDE, 0xAD, 0xBE, 0xEF}

// countingFake counts module enumerations, which only happen on a full scan.
type countingFake struct {
	*image.Fake
	modules int
}

func (c *countingFake) Modules() ([]image.Module, error) {
	c.modules++
	return c.Fake.Modules()
}

type world struct {
	fake  *countingFake
	mem   *memory.Fixture
	store *hints.Store
}

// newWorld lays out a process image and one library:
//
//	app    .text   0x1000  signature at 0x1010
//	app    .rodata 0x2000  signature at 0x2020, "hello sigscan" at 0x2040, dataVal at 0x2060
//	libfoo .text   0x11000 signature at 0x11030
func newWorld(t *testing.T) *world {
	t.Helper()

	text := bytes.Repeat([]byte{0x90}, 0x100)
	copy(text[0x10:], signature)

	rodata := make([]byte, 0x100)
	copy(rodata[0x20:], signature)
	copy(rodata[0x40:], "hello sigscan")
	binary.NativeEndian.PutUint64(rodata[0x60:], dataVal)

	libHead := make([]byte, 0x100)
	copy(libHead, elf.ELFMAG)
	libText := bytes.Repeat([]byte{0x90}, 0x100)
	copy(libText[0x30:], signature)

	fake := &image.Fake{
		Image: appBin,
		Mods: []image.Module{
			{
				Path: appBin,
				Headers: []image.ProgHeader{
					{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_X, Off: 0x1000, Vaddr: 0x1000, Memsz: 0x100},
					{Type: elf.PT_LOAD, Flags: elf.PF_R, Off: 0x2000, Vaddr: 0x2000, Memsz: 0x100},
				},
			},
			{
				Path: libFoo,
				Base: 0x10000,
				Headers: []image.ProgHeader{
					{Type: elf.PT_LOAD, Flags: elf.PF_R, Vaddr: 0, Memsz: 0x100},
					{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_X, Off: 0x1000, Vaddr: 0x1000, Memsz: 0x100},
				},
			},
		},
		SectionTable: map[string][]image.Section{
			appBin: {
				{Name: ".text", Region: image.Region{Start: 0x1000, End: 0x1100}, Executable: true},
				{Name: ".rodata", Region: image.Region{Start: 0x2000, End: 0x2100}},
			},
			libFoo: {
				{Name: image.ElfHeadSection, Region: image.Region{Start: 0x10000, End: 0x10040}},
				{Name: ".text", Region: image.Region{Start: 0x11000, End: 0x11100}, Executable: true},
			},
		},
	}

	return &world{
		fake: &countingFake{Fake: fake},
		mem: memory.NewFixture().
			Map(0x1000, text).
			Map(0x2000, rodata).
			Map(0x10000, libHead).
			Map(0x11000, libText),
		store: hints.NewStore(),
	}
}

func (w *world) wire(b Builder) Builder {
	return b.WithIntrospector(w.fake).WithReader(w.mem).WithHints(w.store)
}

func addresses(p *Pattern) []uint64 {
	var out []uint64
	p.ForEach(func(m Match) {
		out = append(out, m.Address())
	})
	return out
}

func TestScopes(t *testing.T) {
	tests := []struct {
		name  string
		query Builder
		want  []uint64
	}{
		{
			name:  "process image executable segments",
			query: New(sigText),
			want:  []uint64{0x1010},
		},
		{
			name:  "process image all segments",
			query: New(sigText).Executable(false),
			want:  []uint64{0x1010, 0x2020},
		},
		{
			name:  "process image executable sections",
			query: New(sigText).InSections(),
			want:  []uint64{0x1010},
		},
		{
			name:  "process image named section",
			query: New(sigText).InSections(".rodata").Executable(false),
			want:  []uint64{0x2020},
		},
		{
			name:  "library",
			query: Library("libfoo.so", sigText),
			want:  []uint64{0x11030},
		},
		{
			name:  "library not loaded",
			query: Library("libmissing.so", sigText),
		},
		{
			name:  "raw range",
			query: Range(0x2000, 0x2100, sigText),
			want:  []uint64{0x2020},
		},
		{
			name:  "end address derives library",
			query: Range(0, 0x11080, sigText),
			want:  []uint64{0x11030},
		},
		{
			name:  "library range",
			query: LibraryRange("libfoo.so", 0x11000, 0x11040, sigText),
			want:  []uint64{0x11030},
		},
		{
			name:  "library range too short for the match",
			query: LibraryRange("libfoo.so", 0x11000, 0x11032, sigText),
		},
		{
			name:  "module address",
			query: Module(0x11000, sigText),
			want:  []uint64{0x11030},
		},
		{
			name:  "module address past the match",
			query: LibraryModule("libfoo.so", 0x11031, sigText),
		},
		{
			name:  "named section",
			query: Named(".rodata", sigText),
			want:  []uint64{0x2020},
		},
		{
			name:  "named library",
			query: Named("libfoo.so", sigText),
			want:  []uint64{0x11030},
		},
		{
			name:  "library section",
			query: LibrarySection("libfoo.so", ".text", sigText),
			want:  []uint64{0x11030},
		},
		{
			name:  "library section absent from the image",
			query: LibrarySection("libfoo.so", ".missing", sigText),
		},
		{
			name:  "library section range",
			query: LibrarySectionRange("libfoo.so", ".text", 0x11020, 0x11040, sigText),
			want:  []uint64{0x11030},
		},
		{
			name:  "ignored process image",
			query: New(sigText).IgnoreLibraries("app"),
		},
		{
			name:  "ignored section",
			query: New(sigText).InSections().Executable(false).IgnoreSections(".text"),
			want:  []uint64{0x2020},
		},
		{
			name:  "string in section",
			query: StringPattern(".rodata", "hello sigscan"),
			want:  []uint64{0x2040},
		},
		{
			name:  "wildcards",
			query: New("DE ? ? EF").Executable(false),
			want:  []uint64{0x1010, 0x2020},
		},
		{
			name:  "empty pattern",
			query: New("   "),
		},
		{
			name:  "no scope",
			query: Library("libfoo.so", sigText).Reset(0),
		},
		{
			name:  "reset to a module",
			query: New(sigText).InSections(".missing").Reset(0x11000),
			want:  []uint64{0x11030},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newWorld(t)
			p := w.wire(tt.query).Build()

			assert.Equal(t, tt.want, addresses(p))
			assert.Equal(t, len(tt.want), p.Size())
			assert.Equal(t, len(tt.want) == 0, p.Empty())
		})
	}
}

func TestCount_Policies(t *testing.T) {
	t.Run("satisfied", func(t *testing.T) {
		w := newWorld(t)
		p := w.wire(New(sigText)).Build()
		assert.NoError(t, p.Count(1))
	})

	t.Run("unloaded library matches nothing without error", func(t *testing.T) {
		w := newWorld(t)
		p := w.wire(Library("libmissing.so", sigText)).Build()
		assert.NoError(t, p.Count(0))
	})

	t.Run("transactional", func(t *testing.T) {
		w := newWorld(t)
		p := w.wire(New("CC CC CC CC")).Txn().Build()
		assert.ErrorIs(t, p.Count(1), ErrTxn)

		_, err := p.GetOne()
		assert.ErrorIs(t, err, ErrTxn)
	})

	t.Run("assert", func(t *testing.T) {
		w := newWorld(t)
		p := w.wire(New("CC CC CC CC")).Build()
		assert.PanicsWithValue(t, `sigscan: expected 1 matches, got 0 for pattern "CC CC CC CC"`, func() {
			_ = p.Count(1)
		})
	})
}

func TestPattern_Memoized(t *testing.T) {
	w := newWorld(t)
	p := w.wire(New(sigText).Executable(false)).Build()

	// The first evaluation fixes the cap.
	p.CountHint(1)
	assert.Equal(t, 1, p.Size())

	// Later memory changes are not observed.
	require.NoError(t, w.mem.Write(0x1010, []byte{0x00}))
	assert.Equal(t, []uint64{0x1010}, addresses(p))
	assert.Equal(t, 1, w.fake.modules)
}

func TestHints(t *testing.T) {
	w := newWorld(t)
	query := w.wire(Library("libfoo.so", sigText))

	first := query.Build()
	require.NoError(t, first.Count(1))
	assert.Equal(t, []uint64{0x11030}, w.store.Lookup(first.Hash()))
	assert.Equal(t, 1, w.fake.modules)

	// A verified hint answers without resolving the image.
	second := query.Build()
	require.NoError(t, second.Count(1))
	assert.Equal(t, uint64(0x11030), second.Get(0).Address())
	assert.Equal(t, 1, w.fake.modules)

	// A stale hint is rejected and the library is rescanned.
	require.NoError(t, w.mem.Write(0x11030, []byte{0x90}))
	require.NoError(t, w.mem.Write(0x11050, signature))

	third := query.Build()
	require.NoError(t, third.Count(1))
	assert.Equal(t, uint64(0x11050), third.Get(0).Address())
	assert.Equal(t, 2, w.fake.modules)
	assert.ElementsMatch(t, []uint64{0x11030, 0x11050}, w.store.Lookup(first.Hash()))
}

func TestHints_Eligibility(t *testing.T) {
	tests := []struct {
		name     string
		query    Builder
		eligible bool
	}{
		{"whole library", Library("libfoo.so", sigText), true},
		{"module at library base", Module(0x10000, sigText), true},
		{"module inside library", Module(0x11000, sigText), false},
		{"range from library base", LibraryRange("libfoo.so", 0x10000, 0x11100, sigText), false},
		{"sub range", LibraryRange("libfoo.so", 0x11000, 0x11100, sigText), false},
		{"section list", LibrarySection("libfoo.so", ".missing", sigText), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newWorld(t)
			w.store.Insert(HashText(sigText), 0x11030)

			p := w.wire(tt.query).Build()
			p.Size()

			// Only a full scan enumerates modules.
			assert.Equal(t, !tt.eligible, w.fake.modules == 1, "modules enumerated %d times", w.fake.modules)
			if tt.eligible {
				assert.Equal(t, []uint64{0x11030}, addresses(p))
			}
		})
	}
}

func TestHints_StayInScope(t *testing.T) {
	tests := []struct {
		name    string
		query   Builder
		want    []uint64
		scanned bool
	}{
		{
			name:    "other library",
			query:   Library("libfoo.so", sigText),
			want:    []uint64{0x11030},
			scanned: true,
		},
		{
			name:    "excluded library",
			query:   New(sigText).IgnoreLibraries("app"),
			scanned: true,
		},
		{
			name:  "executable segments drop read-only data",
			query: New(sigText),
			want:  []uint64{0x1010},
		},
		{
			name:  "executable sections drop read-only data",
			query: New(sigText).InSections(),
			want:  []uint64{0x1010},
		},
		{
			name:  "excluded section",
			query: New(sigText).InSections().Executable(false).IgnoreSections(".rodata"),
			want:  []uint64{0x1010},
		},
		{
			name:  "all regions",
			query: New(sigText).Executable(false),
			want:  []uint64{0x1010, 0x2020},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newWorld(t)

			// A section-restricted scan of the process image leaves its
			// matches behind as hints.
			seed := w.wire(New(sigText).InSections(".text", ".rodata").Executable(false)).Build()
			require.ElementsMatch(t, []uint64{0x1010, 0x2020}, addresses(seed))
			w.fake.modules = 0

			// Hints come back in insertion order, not scan order.
			got := addresses(w.wire(tt.query).Build())
			assert.ElementsMatch(t, tt.want, got)
			assert.Equal(t, tt.scanned, w.fake.modules > 0, "modules enumerated %d times", w.fake.modules)
		})
	}
}

func TestHints_OtherProcessSkipsDefaultCache(t *testing.T) {
	w := newWorld(t)
	other := os.Getpid() + 1

	hinted := "de ad be ef 90"
	Hint(HashText(hinted), 0x11030)

	p := Library("libfoo.so", hinted).WithIntrospector(w.fake).WithReader(w.mem).WithPID(other).Build()
	assert.Equal(t, []uint64{0x11030}, addresses(p))
	assert.Equal(t, 1, w.fake.modules, "the process-wide hint is not trusted for another process")

	fresh := "de ad be ef 90 90"
	p = Library("libfoo.so", fresh).WithIntrospector(w.fake).WithReader(w.mem).WithPID(other).Build()
	assert.Equal(t, []uint64{0x11030}, addresses(p))
	assert.Empty(t, hints.Default().Lookup(HashText(fresh)), "matches in another process are not recorded")
}

func TestHint_ProcessWide(t *testing.T) {
	const hash = 0x5167_5ca4_0000_0001
	Hint(hash, 0x1234)
	Hint(hash, 0x1234)
	assert.Equal(t, []uint64{0x1234}, hints.Default().Lookup(hash))
}

func TestFirstOf(t *testing.T) {
	w := newWorld(t)

	p, m, err := FirstOf(
		w.wire(New("CC CC CC CC")),
		w.wire(New("DE AD BE EF 00").Executable(false)),
		w.wire(Library("libfoo.so", sigText)),
	)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x11030), m.Address())
	assert.Equal(t, HashText(sigText), p.Hash())

	_, _, err = FirstOf(w.wire(New("CC CC CC CC")))
	assert.ErrorIs(t, err, ErrTxn)

	_, _, err = FirstOf()
	assert.ErrorIs(t, err, ErrTxn)
}

func TestBytes(t *testing.T) {
	w := newWorld(t)

	b, err := Bytes("", []byte{0xDE, 0x00, 0xBE, 0xEF}, []byte{0xFF, 0x00, 0xFF, 0xFF})
	require.NoError(t, err)
	p := w.wire(b).Executable(false).Build()
	assert.Equal(t, []uint64{0x1010, 0x2020}, addresses(p))
	assert.Equal(t, "DE ? BE EF", p.Text())

	b, err = Bytes("libfoo.so", signature, []byte{0xFF, 0xFF, 0xFF, 0xFF})
	require.NoError(t, err)
	assert.Equal(t, []uint64{0x11030}, addresses(w.wire(b).Build()))

	_, err = Bytes("", signature, []byte{0xFF})
	assert.Error(t, err)
}

func TestDataPattern(t *testing.T) {
	w := newWorld(t)

	b, err := DataPattern(".rodata", dataVal)
	require.NoError(t, err)
	m, err := w.wire(b).Build().GetOne()
	require.NoError(t, err)
	assert.Equal(t, uint64(0x2060), m.Address())

	_, err = DataPattern(".rodata", "not fixed size")
	assert.Error(t, err)
}

func TestMatch(t *testing.T) {
	w := newWorld(t)
	m, err := w.wire(Named(".rodata", StringText("hello sigscan"))).Build().GetOne()
	require.NoError(t, err)

	assert.Equal(t, uint64(0x2046), m.Offset(6))
	assert.Equal(t, uint64(0x203C), m.Offset(-4))

	got, err := m.Read(6, 7)
	require.NoError(t, err)
	assert.Equal(t, []byte("sigscan"), got)

	v, err := Value[uint64](m, 0x20)
	require.NoError(t, err)
	assert.Equal(t, dataVal, v)

	_, err = m.Read(0x200, 4)
	assert.ErrorIs(t, err, memory.ErrFault)
}

func TestBuilder_Immutable(t *testing.T) {
	base := New(sigText).InSections(".text")
	wider := base.InSections(".rodata")

	assert.Equal(t, []string{".text"}, base.includeSections)
	assert.Equal(t, []string{".text", ".rodata"}, wider.includeSections)

	ignoring := base.IgnoreSections("", ".data").IgnoreLibraries("libc.so.6", "")
	assert.Equal(t, []string{".data"}, ignoring.excludeSections)
	assert.Equal(t, []string{"libc.so.6"}, ignoring.excludeLibraries)
	assert.Empty(t, base.excludeSections)

	assert.Equal(t, HashText(sigText), base.Hash())
}
