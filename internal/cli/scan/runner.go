package scan

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/zeebo/xxh3"

	"github.com/coral-mesh/sigscan/internal/config"
	"github.com/coral-mesh/sigscan/internal/hints"
	"github.com/coral-mesh/sigscan/pkg/sigscan"
)

// Scope holds the command-line overrides applied to every signature.
type Scope struct {
	Begin           uint64
	End             uint64
	Sections        bool
	AllRegions      bool
	IgnoreLibraries []string
	IgnoreSections  []string
}

// Result is the outcome of one signature.
type Result struct {
	Signature string      `json:"signature"`
	Library   string      `json:"library,omitempty"`
	Candidate int         `json:"candidate"`
	Pattern   string      `json:"pattern,omitempty"`
	Hash      string      `json:"hash,omitempty"`
	Matches   []MatchInfo `json:"matches"`
	Variants  []Variant   `json:"variants,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// Found reports whether a candidate satisfied the signature.
func (r Result) Found() bool {
	return r.Error == ""
}

// MatchInfo locates one match, with the signature offset applied.
type MatchInfo struct {
	Address      uint64 `json:"address"`
	Module       string `json:"module,omitempty"`
	ModuleOffset uint64 `json:"module_offset,omitempty"`
	Variant      string `json:"variant,omitempty"`
}

// Variant groups matches whose matched bytes are identical. Wildcards make
// one pattern match several byte sequences; each is one variant.
type Variant struct {
	Digest string `json:"digest"`
	Count  int    `json:"count"`
	Bytes  string `json:"bytes"`
}

// Runner evaluates catalogue signatures against one process.
type Runner struct {
	reader       sigscan.Reader
	introspector sigscan.Introspector
	settings     config.Settings
	scope        Scope
	cache        sigscan.HintCache
	logger       zerolog.Logger
}

// NewRunner creates a Runner. Signatures evaluated by one Runner share a hint
// cache.
func NewRunner(reader sigscan.Reader, introspector sigscan.Introspector, settings config.Settings, scope Scope, logger zerolog.Logger) *Runner {
	return &Runner{
		reader:       reader,
		introspector: introspector,
		settings:     settings,
		scope:        scope,
		cache:        hints.NewStore(),
		logger:       logger.With().Str("component", "scan-runner").Logger(),
	}
}

// Run evaluates every signature of cat in order.
func (r *Runner) Run(cat *config.Catalogue) []Result {
	results := make([]Result, 0, len(cat.Signatures))
	for _, sig := range cat.Signatures {
		res := r.evaluate(cat, sig)
		if res.Found() {
			r.logger.Info().
				Str("signature", sig.Name).
				Int("candidate", res.Candidate).
				Int("matches", len(res.Matches)).
				Msg("Signature found")
		} else {
			r.logger.Warn().
				Str("signature", sig.Name).
				Str("error", res.Error).
				Msg("Signature not found")
		}
		results = append(results, res)
	}
	return results
}

func (r *Runner) evaluate(cat *config.Catalogue, sig config.Signature) Result {
	res := Result{
		Signature: sig.Name,
		Library:   sig.Scope(cat),
		Candidate: -1,
	}

	var lastErr error
	for i, text := range sig.Candidates {
		p := r.builder(cat, sig, text).Build()
		if err := r.check(p, sig.Expect); err != nil {
			r.logger.Debug().
				Str("signature", sig.Name).
				Int("candidate", i).
				Err(err).
				Msg("Candidate rejected")
			lastErr = err
			continue
		}

		res.Candidate = i
		res.Pattern = p.Text()
		res.Hash = fmt.Sprintf("%016x", p.Hash())
		res.Matches, res.Variants = r.describe(p, sig.Offset)
		return res
	}

	if lastErr == nil {
		res.Error = "no candidates"
		return res
	}
	res.Error = lastErr.Error()
	if len(sig.Candidates) > 1 {
		res.Error = fmt.Sprintf("no candidate of %d matched: %v", len(sig.Candidates), lastErr)
	}
	return res
}

// check evaluates p. With an expectation the scan stops one match past it so
// an excess is reported instead of truncated.
func (r *Runner) check(p *sigscan.Pattern, expect int) error {
	if expect <= 0 {
		if p.CountHint(r.settings.MaxMatches).Empty() {
			return fmt.Errorf("no matches for %q", p.Text())
		}
		return nil
	}

	got := p.CountHint(expect + 1).Size()
	switch {
	case got > expect:
		return fmt.Errorf("expected %d matches, found more for %q", expect, p.Text())
	case got < expect:
		return fmt.Errorf("expected %d matches, got %d for %q", expect, got, p.Text())
	}
	return nil
}

func (r *Runner) builder(cat *config.Catalogue, sig config.Signature, text string) sigscan.Builder {
	library := sig.Scope(cat)
	begin, end := r.scope.Begin, r.scope.End

	var b sigscan.Builder
	switch {
	case begin == 0 && end == 0 && library == "":
		b = sigscan.New(text)
	case begin == 0 && end == 0:
		b = sigscan.Library(library, text)
	case library == "":
		b = sigscan.Range(begin, end, text)
	default:
		b = sigscan.LibraryRange(library, begin, end, text)
	}

	switch {
	case sig.Section != "":
		b = b.InSections(sig.Section)
	case r.scope.Sections:
		b = b.InSections()
	}

	return b.
		Executable(sig.ExecutableOnly() && !r.scope.AllRegions).
		IgnoreLibraries(r.scope.IgnoreLibraries...).
		IgnoreSections(r.scope.IgnoreSections...).
		WithReader(r.reader).
		WithIntrospector(r.introspector).
		WithHints(r.cache).
		WithChunkSize(r.settings.ChunkSize).
		WithLogger(r.logger)
}

// describe locates each match and groups them by the xxh3 digest of the bytes
// they matched.
func (r *Runner) describe(p *sigscan.Pattern, offset int64) ([]MatchInfo, []Variant) {
	var (
		matches  []MatchInfo
		variants []Variant
		index    = make(map[uint64]int)
	)

	p.ForEach(func(m sigscan.Match) {
		info := MatchInfo{Address: m.Offset(offset)}
		if mod, ok := r.introspector.ModuleAt(m.Address()); ok {
			info.Module = mod.Name()
			info.ModuleOffset = info.Address - mod.Base
		}

		data, err := m.Read(0, p.Len())
		if err != nil {
			r.logger.Debug().Err(err).Uint64("address", m.Address()).Msg("Failed to read matched bytes")
			matches = append(matches, info)
			return
		}

		digest := xxh3.Hash(data)
		info.Variant = fmt.Sprintf("%016x", digest)
		i, ok := index[digest]
		if !ok {
			i = len(variants)
			index[digest] = i
			variants = append(variants, Variant{Digest: info.Variant, Bytes: fmt.Sprintf("% X", data)})
		}
		variants[i].Count++
		matches = append(matches, info)
	})
	return matches, variants
}
