// Package maps implements the maps command, which shows the sections and
// segments a scan scope resolves to.
package maps

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/sigscan/internal/cli/helpers"
	"github.com/coral-mesh/sigscan/internal/config"
	"github.com/coral-mesh/sigscan/internal/errors"
	"github.com/coral-mesh/sigscan/internal/image"
)

// Views accepted by --view.
const (
	ViewAll      = "all"
	ViewSections = "sections"
	ViewSegments = "segments"
)

// Region is one resolved descriptor.
type Region struct {
	Kind       string `header:"KIND" json:"kind"`
	Library    string `header:"LIBRARY" json:"library"`
	Name       string `header:"NAME" json:"name"`
	Start      uint64 `header:"START" fmt:"%#x" json:"start"`
	End        uint64 `header:"END" fmt:"%#x" json:"end"`
	Size       uint64 `header:"SIZE" json:"size"`
	Executable bool   `header:"EXEC" json:"executable"`
}

// NewMapsCmd creates the maps command.
func NewMapsCmd() *cobra.Command {
	var (
		target     helpers.TargetFlags
		library    string
		begin, end uint64
		view       string
		execOnly   bool
		format     string
	)

	cmd := &cobra.Command{
		Use:   "maps",
		Short: "Show the sections and segments a scope resolves to",
		Long: `Resolve a library and optional address range the same way scan does and
print the resulting section and segment descriptors.

Without --lib the process image and every module it owns are shown.`,
		Example: `  sigscan maps --pid 1234 --lib libc.so.6
  sigscan maps --view sections --exec -o json
  sigscan maps --lib libc.so.6 --begin 0x7f12a0001000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, helpers.AllFormats); err != nil {
				return err
			}
			if view != ViewAll && view != ViewSections && view != ViewSegments {
				return fmt.Errorf("unsupported view %q, must be one of: %s, %s, %s", view, ViewAll, ViewSections, ViewSegments)
			}

			settings, err := config.LoadSettings()
			if err != nil {
				return err
			}
			logger := helpers.NewLogger(cmd, settings)

			t, err := helpers.OpenTarget(cmd.Context(), target, logger)
			if err != nil {
				return err
			}
			defer errors.DeferClose(logger, t, "Failed to close target process")

			if library == "" && begin == 0 {
				if library, err = t.Introspector.ProcessImage(); err != nil {
					return fmt.Errorf("failed to resolve process image: %w", err)
				}
			}

			md := image.NewResolver(t.Introspector, logger).Resolve(library, begin, end)
			regions := Collect(md, view, execOnly)
			if len(regions) == 0 {
				return fmt.Errorf("scope resolved to no regions")
			}

			formatter, err := helpers.NewFormatter(helpers.OutputFormat(format))
			if err != nil {
				return err
			}
			return formatter.Format(regions, cmd.OutOrStdout())
		},
	}

	helpers.AddTargetFlags(cmd, &target)
	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, helpers.AllFormats)

	cmd.Flags().StringVarP(&library, "lib", "l", "", "Library to resolve (default: the process image)")
	helpers.AddAddressFlag(cmd.Flags(), &begin, "begin", "Start address of the scope")
	helpers.AddAddressFlag(cmd.Flags(), &end, "end", "End address of the scope")
	cmd.Flags().StringVar(&view, "view", ViewAll, "Descriptors to show (all, sections, segments)")
	cmd.Flags().BoolVar(&execOnly, "exec", false, "Only show executable descriptors")

	return cmd
}

// Collect flattens metadata into rows, sections first.
func Collect(md *image.Metadata, view string, execOnly bool) []Region {
	var out []Region

	if view == ViewAll || view == ViewSections {
		exec := make(map[image.SectionKey]bool)
		for _, s := range md.Sections(true) {
			exec[s.SectionKey] = true
		}
		for _, s := range md.Sections(execOnly) {
			out = append(out, Region{
				Kind:       "section",
				Library:    s.Library,
				Name:       s.Name,
				Start:      s.Start,
				End:        s.End,
				Size:       s.Size(),
				Executable: exec[s.SectionKey],
			})
		}
	}

	if view == ViewAll || view == ViewSegments {
		exec := make(map[image.SegmentKey]bool)
		for _, s := range md.Segments(true) {
			exec[s.SegmentKey] = true
		}
		for _, s := range md.Segments(execOnly) {
			out = append(out, Region{
				Kind:       "segment",
				Library:    s.Library,
				Name:       segmentName(s.Index),
				Start:      s.Start,
				End:        s.End,
				Size:       s.Size(),
				Executable: exec[s.SegmentKey],
			})
		}
	}

	return out
}

func segmentName(index int) string {
	if index < 0 {
		return "-"
	}
	return fmt.Sprintf("phdr[%d]", index)
}
