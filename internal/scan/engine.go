// Package scan searches resolved image regions for compiled patterns.
package scan

import (
	"slices"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/sigscan/internal/hints"
	"github.com/coral-mesh/sigscan/internal/image"
	"github.com/coral-mesh/sigscan/internal/memory"
	"github.com/coral-mesh/sigscan/internal/pattern"
)

// DefaultChunkSize is the number of window start positions read per chunk.
const DefaultChunkSize = 1 << 20

// Config holds engine tuning.
type Config struct {
	// ChunkSize bounds how much of a region is copied out per read.
	ChunkSize int
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{ChunkSize: DefaultChunkSize}
}

// Options selects which descriptors are scanned and how many matches to keep.
type Options struct {
	// BySection scans section descriptors instead of segment descriptors.
	BySection bool
	// ExecutableOnly restricts the scan to the executable subset.
	ExecutableOnly bool
	// IncludeSections, when non-empty, limits section scans to these names.
	IncludeSections []string
	// ExcludeSections skips sections with these names.
	ExcludeSections []string
	// ExcludeLibraries skips every descriptor owned by these libraries, given
	// as full path or base name.
	ExcludeLibraries []string
	// Cap stops the scan after this many matches. Zero means unlimited.
	Cap int
}

// Engine runs pattern searches over process memory.
type Engine struct {
	reader    memory.Reader
	hints     hints.Cache
	logger    zerolog.Logger
	chunkSize int
}

// NewEngine creates an engine reading through reader and recording matches in
// cache. A nil cache disables hint bookkeeping.
func NewEngine(reader memory.Reader, cache hints.Cache, cfg Config, logger zerolog.Logger) *Engine {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	return &Engine{
		reader:    reader,
		hints:     cache,
		logger:    logger.With().Str("component", "scan-engine").Logger(),
		chunkSize: cfg.ChunkSize,
	}
}

// Verify reports whether p matches the live bytes at addr.
func (e *Engine) Verify(p *pattern.Compiled, addr uint64) bool {
	if p.Len() == 0 {
		return false
	}
	buf, err := memory.ReadFull(e.reader, addr, p.Len())
	if err != nil {
		return false
	}
	return p.MatchAt(buf)
}

// Recall returns the cached addresses for p that accept allows and that still
// match, up to limit (zero means unlimited). A nil accept allows every address.
// Stale hints are dropped silently.
func (e *Engine) Recall(p *pattern.Compiled, limit int, accept func(addr uint64) bool) []uint64 {
	if e.hints == nil {
		return nil
	}

	var verified []uint64
	for _, addr := range e.hints.Lookup(p.Hash()) {
		if accept != nil && !accept(addr) {
			e.logger.Trace().
				Uint64("hash", p.Hash()).
				Uint64("address", addr).
				Msg("Hint outside query scope")
			continue
		}
		if !e.Verify(p, addr) {
			e.logger.Debug().
				Uint64("hash", p.Hash()).
				Uint64("address", addr).
				Msg("Rejected stale hint")
			continue
		}
		verified = append(verified, addr)
		if limit > 0 && len(verified) == limit {
			break
		}
	}
	return verified
}

// Scan searches the descriptors of md selected by opts and returns the match
// addresses in scan order. Every match is recorded in the hint cache.
func (e *Engine) Scan(p *pattern.Compiled, md *image.Metadata, opts Options) []uint64 {
	if p.Len() == 0 {
		return nil
	}

	s := newSearcher(p)
	var matches []uint64

	scanOne := func(library, name string, r image.Region) bool {
		remaining := 0
		if opts.Cap > 0 {
			remaining = opts.Cap - len(matches)
		}
		found, err := e.scanRegion(s, r, remaining)
		if err != nil {
			e.logger.Warn().
				Err(err).
				Str("library", library).
				Str("region", name).
				Stringer("range", r).
				Msg("Region read failed, skipping rest of region")
		}
		matches = append(matches, found...)
		return opts.Cap == 0 || len(matches) < opts.Cap
	}

	if opts.BySection {
		for _, sec := range md.Sections(opts.ExecutableOnly) {
			if excludedLibrary(sec.Library, opts.ExcludeLibraries) {
				continue
			}
			if len(opts.IncludeSections) > 0 && !slices.Contains(opts.IncludeSections, sec.Name) {
				continue
			}
			if slices.Contains(opts.ExcludeSections, sec.Name) {
				continue
			}
			if !scanOne(sec.Library, sec.Name, sec.Region) {
				break
			}
		}
	} else {
		for _, seg := range md.Segments(opts.ExecutableOnly) {
			if excludedLibrary(seg.Library, opts.ExcludeLibraries) {
				continue
			}
			if !scanOne(seg.Library, "segment", seg.Region) {
				break
			}
		}
	}

	if e.hints != nil {
		for _, addr := range matches {
			e.hints.Insert(p.Hash(), addr)
		}
	}

	e.logger.Debug().
		Str("pattern", p.String()).
		Bool("by_section", opts.BySection).
		Bool("executable", opts.ExecutableOnly).
		Int("matches", len(matches)).
		Msg("Scan complete")

	return matches
}

// scanRegion searches [r.Start, r.End) chunk by chunk. Each chunk overlaps the
// next by len(pattern)-1 bytes so matches straddling a boundary are found once.
// A read failure ends the region and returns the matches found so far.
func (e *Engine) scanRegion(s *searcher, r image.Region, limit int) ([]uint64, error) {
	n := uint64(len(s.bytes))
	size := r.Size()
	if size < n {
		return nil, nil
	}

	var matches []uint64
	for offset := uint64(0); offset+n <= size; {
		step := min(uint64(e.chunkSize), size-offset)
		readLen := min(step+n-1, size-offset)

		buf, err := memory.ReadFull(e.reader, r.Start+offset, int(readLen))
		if err != nil {
			return matches, err
		}

		full := false
		s.find(buf, int(step), func(off int) bool {
			matches = append(matches, r.Start+offset+uint64(off))
			full = limit > 0 && len(matches) >= limit
			return !full
		})
		if full {
			break
		}
		offset += step
	}
	return matches, nil
}

func excludedLibrary(owner string, excluded []string) bool {
	for _, name := range excluded {
		if image.MatchesLibrary(owner, name) {
			return true
		}
	}
	return false
}
