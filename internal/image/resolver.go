package image

import (
	"github.com/rs/zerolog"
)

// Resolver turns a (library, begin, end) query scope into descriptor maps.
type Resolver struct {
	introspector Introspector
	logger       zerolog.Logger
}

// NewResolver creates a resolver on top of the given platform introspector.
func NewResolver(introspector Introspector, logger zerolog.Logger) *Resolver {
	return &Resolver{
		introspector: introspector,
		logger:       logger.With().Str("component", "image-resolver").Logger(),
	}
}

// Resolve collects and narrows section and segment descriptors.
//
//   - begin and end both zero: every descriptor of library. If library is the
//     current process image, every module owned by the process.
//   - only begin: the section and segment containing begin, starting at begin.
//     An empty library is derived from the module owning begin.
//   - only end: the section and segment with start < end <= region end, ending
//     at end. An empty library is derived from the module owning end-1.
//   - both: with no library a raw anonymous range; otherwise the section and
//     segment covering [begin, end).
//
// Failures are logged and yield empty metadata.
func (r *Resolver) Resolve(library string, begin, end uint64) *Metadata {
	md := newMetadata()

	if begin != 0 && end != 0 && begin >= end {
		r.logger.Error().
			Uint64("begin", begin).
			Uint64("end", end).
			Msg("Invalid range: begin must be below end")
		return md
	}

	if begin != 0 && end != 0 && library == "" {
		raw := Region{Start: begin, End: end}
		md.collapseSections(SectionKey{}, raw)
		md.collapseSegments(SegmentKey{}, raw)
		return md
	}

	if library == "" && (begin != 0 || end != 0) {
		// end is exclusive; its last byte identifies the owner.
		addr := begin
		if addr == 0 {
			addr = end - 1
		}
		m, ok := r.introspector.ModuleAt(addr)
		if !ok {
			r.logger.Debug().Uint64("address", addr).Msg("Address is not owned by any module")
			return md
		}
		library = m.Path
	}

	if library == "" {
		r.logger.Debug().Msg("No library to resolve")
		return md
	}

	r.collect(md, library)
	if md.Empty() {
		return md
	}

	switch {
	case begin != 0 && end != 0:
		r.narrowCovering(md, library, begin, end)
	case begin != 0:
		r.narrowFrom(md, begin)
	case end != 0:
		r.narrowUntil(md, end)
	}

	return md
}

// collect loads every descriptor of the named library into md.
func (r *Resolver) collect(md *Metadata, library string) {
	modules, err := r.introspector.Modules()
	if err != nil {
		r.logger.Warn().Err(err).Msg("Failed to enumerate loaded modules")
		return
	}

	if image, err := r.introspector.ProcessImage(); err == nil && image != "" && library == image {
		for _, m := range modules {
			if MatchesLibrary(m.Path, image) {
				r.load(md, m)
			}
		}
		return
	}

	for _, m := range modules {
		if MatchesLibrary(m.Path, library) {
			r.load(md, m)
			return
		}
	}

	r.logger.Debug().Str("library", library).Msg("Library is not loaded")
}

// load adds the sections and loadable segments of m.
func (r *Resolver) load(md *Metadata, m Module) {
	sections, err := r.introspector.Sections(m)
	if err != nil {
		r.logger.Warn().Err(err).Str("library", m.Path).Msg("Failed to read section table")
	}
	for _, s := range sections {
		md.addSection(SectionKey{Library: m.Path, Name: s.Name}, s.Region, s.Executable)
	}

	for i, h := range m.Headers {
		if !h.Loadable() {
			continue
		}
		region := Region{Start: m.Base + h.Vaddr, End: m.Base + h.Vaddr + h.Memsz}
		md.addSegment(SegmentKey{Library: m.Path, Index: i}, region, h.Executable())
	}

	r.logger.Trace().
		Str("library", m.Path).
		Uint64("base", m.Base).
		Int("sections", len(sections)).
		Int("headers", len(m.Headers)).
		Msg("Loaded module descriptors")
}

// narrowFrom keeps, per view, the smallest descriptor containing begin, clipped
// to start at begin.
func (r *Resolver) narrowFrom(md *Metadata, begin uint64) {
	contains := func(reg Region) bool { return reg.Contains(begin) }

	if s, ok := md.smallestSection(contains); ok {
		md.collapseSections(s.SectionKey, Region{Start: begin, End: s.End})
	} else {
		md.clearSections()
	}
	if s, ok := md.smallestSegment(contains); ok {
		md.collapseSegments(s.SegmentKey, Region{Start: begin, End: s.End})
	} else {
		md.clearSegments()
	}

	if md.Empty() {
		r.logger.Error().Uint64("begin", begin).Msg("No section or segment contains the start address")
	}
}

// narrowUntil keeps, per view, the smallest descriptor with start < end <= its
// end, clipped to stop at end.
func (r *Resolver) narrowUntil(md *Metadata, end uint64) {
	ends := func(reg Region) bool { return reg.Start < end && end <= reg.End }

	if s, ok := md.smallestSection(ends); ok {
		md.collapseSections(s.SectionKey, Region{Start: s.Start, End: end})
	} else {
		md.clearSections()
	}
	if s, ok := md.smallestSegment(ends); ok {
		md.collapseSegments(s.SegmentKey, Region{Start: s.Start, End: end})
	} else {
		md.clearSegments()
	}

	if md.Empty() {
		r.logger.Error().Uint64("end", end).Msg("No section or segment contains the end address")
	}
}

// narrowCovering collapses to [begin, end), keyed by the covering descriptor of
// each view. A view without a covering descriptor gets an anonymous key owned by
// library. If neither view covers the range the resolution fails.
func (r *Resolver) narrowCovering(md *Metadata, library string, begin, end uint64) {
	covers := func(reg Region) bool { return reg.Covers(begin, end) }
	want := Region{Start: begin, End: end}

	section, sectionOK := md.smallestSection(covers)
	segment, segmentOK := md.smallestSegment(covers)

	if !sectionOK && !segmentOK {
		md.clearSections()
		md.clearSegments()
		r.logger.Error().
			Str("library", library).
			Uint64("begin", begin).
			Uint64("end", end).
			Msg("Range is not inside any section or segment of the library")
		return
	}

	if sectionOK {
		md.collapseSections(section.SectionKey, want)
	} else {
		md.collapseSections(SectionKey{Library: library}, want)
	}
	if segmentOK {
		md.collapseSegments(segment.SegmentKey, want)
	} else {
		md.collapseSegments(SegmentKey{Library: library, Index: -1}, want)
	}
}
