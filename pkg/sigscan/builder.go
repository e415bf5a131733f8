// Package sigscan finds byte signatures with wildcards in the loaded images of a
// process.
//
// A query is described by an immutable Builder: a scope (the current process
// image, a library, a module address or an address range), a pattern and a set
// of region filters. Build freezes it into a Pattern, which is evaluated lazily
// on the first call that needs matches and memoized afterwards.
//
//	p := sigscan.Library("libc.so.6", "48 8B 05 ? ? ? ? 48 85 C0").Build()
//	if err := p.Count(1); err != nil { ... }
//	addr := p.Get(0).Address()
package sigscan

import (
	"os"
	"slices"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/sigscan/internal/hints"
	"github.com/coral-mesh/sigscan/internal/image"
	"github.com/coral-mesh/sigscan/internal/memory"
	"github.com/coral-mesh/sigscan/internal/pattern"
	"github.com/coral-mesh/sigscan/internal/scan"
)

type (
	// Introspector discovers the modules, sections and segments of a process.
	Introspector = image.Introspector
	// Reader copies bytes out of a process address space.
	Reader = memory.Reader
	// HintCache stores previously confirmed match addresses by pattern hash.
	HintCache = hints.Cache
)

// Builder accumulates the scope, pattern and filters of a query. Every method
// returns a modified copy; a Builder is safe to reuse as a template.
type Builder struct {
	compiled *pattern.Compiled

	self    bool
	library string
	begin   uint64
	end     uint64

	bySection        bool
	executable       bool
	includeSections  []string
	excludeSections  []string
	excludeLibraries []string

	policy       Policy
	logger       zerolog.Logger
	cache        hints.Cache
	pid          int
	introspector image.Introspector
	reader       memory.Reader
	chunkSize    int
}

func newBuilder(text string) Builder {
	return fromCompiled(pattern.Compile(text))
}

func fromCompiled(c *pattern.Compiled) Builder {
	return Builder{
		compiled:   c,
		executable: true,
		policy:     AssertPolicy{},
		logger:     zerolog.Nop(),
		cache:      hints.Default(),
		chunkSize:  scan.DefaultChunkSize,
	}
}

// New scopes text to every module owned by the current process image.
func New(text string) Builder {
	b := newBuilder(text)
	b.self = true
	return b
}

// Range scopes text to the raw address range [begin, end).
func Range(begin, end uint64, text string) Builder {
	b := newBuilder(text)
	b.begin, b.end = begin, end
	return b
}

// LibraryRange scopes text to [begin, end) inside library. The range must lie
// within one section or segment of the library.
func LibraryRange(library string, begin, end uint64, text string) Builder {
	b := Range(begin, end, text)
	b.library = library
	return b
}

// Module scopes text to the section and segment containing addr, from addr to
// their end. The owning library is derived from addr.
func Module(addr uint64, text string) Builder {
	return Range(addr, 0, text)
}

// LibraryModule is Module with an explicit library.
func LibraryModule(library string, addr uint64, text string) Builder {
	b := Module(addr, text)
	b.library = library
	return b
}

// Library scopes text to every section and segment of library.
func Library(library string, text string) Builder {
	b := newBuilder(text)
	b.library = library
	return b
}

// Named is Library when name is a library, or a section of the current process
// image when name starts with '.'.
func Named(name string, text string) Builder {
	switch {
	case name == "":
		return New(text)
	case name[0] == '.':
		return New(text).InSections(name).Executable(false)
	default:
		return Library(name, text)
	}
}

// LibrarySection scopes text to the named section of library.
func LibrarySection(library, section, text string) Builder {
	return Library(library, text).InSections(section).Executable(false)
}

// LibrarySectionRange scopes text to [begin, end) inside the named section of
// library.
func LibrarySectionRange(library, section string, begin, end uint64, text string) Builder {
	return LibraryRange(library, begin, end, text).InSections(section).Executable(false)
}

// Bytes builds a query from pre-split data and mask buffers. An empty library
// selects the current process image.
func Bytes(library string, data, mask []byte) (Builder, error) {
	c, err := pattern.FromBuffers(data, mask)
	if err != nil {
		return Builder{}, err
	}
	b := fromCompiled(c)
	if library == "" {
		b.self = true
	} else {
		b.library = library
	}
	return b, nil
}

// InSections scans sections instead of segments, restricted to names when any
// are given.
func (b Builder) InSections(names ...string) Builder {
	b.bySection = true
	b.includeSections = appendNonEmpty(b.includeSections, names)
	return b
}

// Segments scans loader segments instead of sections. Section name filters do
// not apply to segments.
func (b Builder) Segments() Builder {
	b.bySection = false
	return b
}

// Executable restricts the scan to executable sections or segments.
func (b Builder) Executable(on bool) Builder {
	b.executable = on
	return b
}

// IgnoreLibraries skips every region owned by the named libraries. A name
// matches any module path containing it, the same rule Library uses.
func (b Builder) IgnoreLibraries(names ...string) Builder {
	b.excludeLibraries = appendNonEmpty(b.excludeLibraries, names)
	return b
}

// IgnoreSections skips sections with the given names.
func (b Builder) IgnoreSections(names ...string) Builder {
	b.excludeSections = appendNonEmpty(b.excludeSections, names)
	return b
}

// Reset keeps the pattern and runtime options and drops the scope filters and
// library. A non-zero module re-scopes the query to that module address.
func (b Builder) Reset(module uint64) Builder {
	if module != 0 {
		b.begin, b.end = module, 0
	}
	b.self = false
	b.library = ""
	b.bySection = false
	b.executable = true
	b.includeSections = nil
	b.excludeSections = nil
	b.excludeLibraries = nil
	return b
}

// Policy sets what a failed count expectation does.
func (b Builder) Policy(p Policy) Builder {
	b.policy = p
	return b
}

// Txn is shorthand for Policy(TxnPolicy{}).
func (b Builder) Txn() Builder {
	return b.Policy(TxnPolicy{})
}

// WithLogger sets the logger used during evaluation.
func (b Builder) WithLogger(logger zerolog.Logger) Builder {
	b.logger = logger
	return b
}

// WithHints replaces the process-wide hint cache. A nil cache disables hints.
// The process-wide cache is not used for other processes (see WithPID); pass a
// cache here to keep hints for one.
func (b Builder) WithHints(cache HintCache) Builder {
	b.cache = cache
	return b
}

// WithPID targets another process. Zero selects the current process.
func (b Builder) WithPID(pid int) Builder {
	b.pid = pid
	return b
}

// WithIntrospector replaces the platform introspector.
func (b Builder) WithIntrospector(in Introspector) Builder {
	b.introspector = in
	return b
}

// WithReader replaces the memory reader.
func (b Builder) WithReader(r Reader) Builder {
	b.reader = r
	return b
}

// WithChunkSize sets how many bytes of a region are copied per read.
func (b Builder) WithChunkSize(n int) Builder {
	b.chunkSize = n
	return b
}

// Hash returns the content hash of the pattern text.
func (b Builder) Hash() uint64 {
	return b.compiled.Hash()
}

// Build freezes the query. Nothing is scanned until the Pattern is asked for
// matches.
func (b Builder) Build() *Pattern {
	b.includeSections = slices.Clone(b.includeSections)
	b.excludeSections = slices.Clone(b.excludeSections)
	b.excludeLibraries = slices.Clone(b.excludeLibraries)
	return &Pattern{
		query:  b,
		logger: b.logger.With().Str("component", "sigscan").Logger(),
	}
}

// hintCache returns the cache the query reads and records hints in. The
// process-wide cache only ever holds addresses of the current process.
func (b Builder) hintCache() hints.Cache {
	if b.pid != 0 && b.pid != os.Getpid() && b.cache == hints.Cache(hints.Default()) {
		return nil
	}
	return b.cache
}

func (b Builder) hasScope() bool {
	return b.self || b.library != "" || b.begin != 0 || b.end != 0
}

func (b Builder) options(limit int) scan.Options {
	return scan.Options{
		BySection:        b.bySection,
		ExecutableOnly:   b.executable,
		IncludeSections:  b.includeSections,
		ExcludeSections:  b.excludeSections,
		ExcludeLibraries: b.excludeLibraries,
		Cap:              limit,
	}
}

// appendNonEmpty appends names to a fresh copy of dst, skipping empty strings.
func appendNonEmpty(dst, names []string) []string {
	out := slices.Clone(dst)
	for _, n := range names {
		if n != "" {
			out = append(out, n)
		}
	}
	return out
}
