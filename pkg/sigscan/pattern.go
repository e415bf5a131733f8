package sigscan

import (
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/sigscan/internal/hints"
	"github.com/coral-mesh/sigscan/internal/image"
	"github.com/coral-mesh/sigscan/internal/memory"
	"github.com/coral-mesh/sigscan/internal/scan"
)

var (
	selfReaderOnce sync.Once
	selfReader     *memory.ProcessReader
)

func currentProcessReader() *memory.ProcessReader {
	selfReaderOnce.Do(func() {
		selfReader = memory.NewProcessReader(0)
	})
	return selfReader
}

// Pattern is a built query. The first call that needs matches evaluates it;
// the result, including the cap it was evaluated with, is kept for the life of
// the Pattern.
type Pattern struct {
	query  Builder
	logger zerolog.Logger

	mu      sync.Mutex
	matched bool
	matches []Match
	owned   *memory.ProcessReader
}

// Hash returns the content hash of the pattern text.
func (p *Pattern) Hash() uint64 {
	return p.query.compiled.Hash()
}

// Text returns the pattern in canonical form.
func (p *Pattern) Text() string {
	return p.query.compiled.String()
}

// Len returns the pattern length in bytes.
func (p *Pattern) Len() int {
	return p.query.compiled.Len()
}

// Count evaluates with a cap of n and checks exactly n matches were found. On
// mismatch the policy decides: AssertPolicy panics, TxnPolicy returns ErrTxn.
func (p *Pattern) Count(n int) error {
	got := len(p.ensure(n))
	if got == n {
		return nil
	}
	return p.query.policy.CountMismatch(p.query.compiled.Text(), n, got)
}

// CountHint evaluates with a cap of n without checking the result.
func (p *Pattern) CountHint(n int) *Pattern {
	p.ensure(n)
	return p
}

// Size returns the number of matches.
func (p *Pattern) Size() int {
	return len(p.ensure(0))
}

// Empty reports whether nothing matched.
func (p *Pattern) Empty() bool {
	return p.Size() == 0
}

// Get returns match i. It panics if i is out of range.
func (p *Pattern) Get(i int) Match {
	return p.ensure(0)[i]
}

// Matches returns a copy of all matches in scan order.
func (p *Pattern) Matches() []Match {
	return append([]Match(nil), p.ensure(0)...)
}

// GetOne checks the pattern matches exactly once and returns that match.
func (p *Pattern) GetOne() (Match, error) {
	if err := p.Count(1); err != nil {
		return Match{}, err
	}
	return p.Get(0), nil
}

// ForEach calls fn for every match in scan order.
func (p *Pattern) ForEach(fn func(Match)) {
	for _, m := range p.ensure(0) {
		fn(m)
	}
}

// Close releases the memory reader opened for another process, if any.
func (p *Pattern) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.owned == nil {
		return nil
	}
	err := p.owned.Close()
	p.owned = nil
	return err
}

func (p *Pattern) ensure(limit int) []Match {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.matched {
		p.matched = true
		p.matches = p.evaluate(limit)
	}
	return p.matches
}

// runtime returns the reader and introspector for the query target.
func (p *Pattern) runtime() (memory.Reader, image.Introspector) {
	q := p.query

	reader := q.reader
	if reader == nil {
		if q.pid == 0 {
			reader = currentProcessReader()
		} else {
			p.owned = memory.NewProcessReader(q.pid)
			reader = p.owned
		}
	}

	introspector := q.introspector
	if introspector == nil {
		introspector = image.NewProcFS(q.pid, reader, p.logger)
	}
	return reader, introspector
}

func (p *Pattern) evaluate(limit int) []Match {
	q := p.query
	if q.compiled.Len() == 0 {
		p.logger.Debug().Msg("Empty pattern matches nothing")
		return nil
	}
	if !q.hasScope() {
		p.logger.Debug().Str("pattern", q.compiled.String()).Msg("Query has no scope")
		return nil
	}

	reader, introspector := p.runtime()

	library := q.library
	if q.self {
		exe, err := introspector.ProcessImage()
		if err != nil {
			p.logger.Warn().Err(err).Msg("Failed to resolve process image")
			return nil
		}
		library = exe
	}

	cache := q.hintCache()
	engine := scan.NewEngine(reader, cache, scan.Config{ChunkSize: q.chunkSize}, p.logger)

	if owner, ok := p.hintScope(cache, introspector, library); ok {
		inScope := func(addr uint64) bool { return p.inScope(introspector, owner, addr) }
		if hits := engine.Recall(q.compiled, limit, inScope); len(hits) > 0 {
			p.logger.Debug().
				Uint64("hash", q.compiled.Hash()).
				Int("matches", len(hits)).
				Msg("Resolved from hints")
			return p.toMatches(hits, reader)
		}
	}

	md := image.NewResolver(introspector, p.logger).Resolve(library, q.begin, q.end)
	return p.toMatches(engine.Scan(q.compiled, md, q.options(limit)), reader)
}

// hintScope reports whether cached addresses may answer the query, and for
// which library. Only whole-library queries qualify: no range, or a module
// address at the library base, and no section include list.
func (p *Pattern) hintScope(cache hints.Cache, introspector image.Introspector, library string) (string, bool) {
	q := p.query
	if cache == nil || len(q.includeSections) > 0 || q.end != 0 {
		return "", false
	}
	if q.begin == 0 {
		return library, library != ""
	}
	if library == "" {
		m, ok := introspector.ModuleAt(q.begin)
		if !ok {
			return "", false
		}
		library = m.Path
	}
	return library, q.begin == introspector.LibraryBase(library)
}

// inScope reports whether a match at addr could have come from a scan of the
// query's scope: the owning module is the library, is not excluded, and a
// region of the selected view and executable filter holds the whole match.
func (p *Pattern) inScope(introspector image.Introspector, library string, addr uint64) bool {
	q := p.query

	m, ok := introspector.ModuleAt(addr)
	if !ok || !image.MatchesLibrary(m.Path, library) {
		return false
	}
	for _, name := range q.excludeLibraries {
		if image.MatchesLibrary(m.Path, name) {
			return false
		}
	}

	end := addr + uint64(q.compiled.Len())
	if !q.bySection {
		for _, h := range m.Headers {
			r := image.Region{Start: m.Base + h.Vaddr, End: m.Base + h.Vaddr + h.Memsz}
			if h.Loadable() && (!q.executable || h.Executable()) && r.Covers(addr, end) {
				return true
			}
		}
		return false
	}

	sections, err := introspector.Sections(m)
	if err != nil {
		return false
	}
	for _, sec := range sections {
		if q.executable && !sec.Executable {
			continue
		}
		if slices.Contains(q.excludeSections, sec.Name) {
			continue
		}
		if sec.Region.Covers(addr, end) {
			return true
		}
	}
	return false
}

func (p *Pattern) toMatches(addrs []uint64, reader memory.Reader) []Match {
	if len(addrs) == 0 {
		return nil
	}
	matches := make([]Match, len(addrs))
	for i, a := range addrs {
		matches[i] = Match{addr: a, reader: reader}
	}
	return matches
}
