// Package scan implements the scan command: evaluating one ad-hoc pattern or a
// signature catalogue against a process.
package scan

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/sigscan/internal/cli/helpers"
	"github.com/coral-mesh/sigscan/internal/config"
	"github.com/coral-mesh/sigscan/internal/errors"
)

// NewScanCmd creates the scan command.
func NewScanCmd() *cobra.Command {
	var (
		configPath string
		target     helpers.TargetFlags
		adhoc      config.Signature
		scope      Scope
		maxMatches int
		format     string
	)

	cmd := &cobra.Command{
		Use:   "scan [pattern...]",
		Short: "Find byte signatures in a process",
		Long: `Scan the loaded images of a process for byte signatures.

A pattern is a sequence of hex byte tokens separated by spaces, where '?' or
'??' matches any byte. Several patterns given on the command line are tried in
order until one satisfies --expect.

With --config, every signature of a YAML catalogue is evaluated instead.
The command fails if any signature is not found.`,
		Example: `  # Find a prologue in libc of process 1234
  sigscan scan --pid 1234 --lib libc.so.6 "55 48 89 E5 ? 8B"

  # Require exactly one match in .rodata and print JSON
  sigscan scan --section .rodata --expect 1 -o json "68 65 6C 6C 6F"

  # Evaluate a catalogue against a process by name
  sigscan scan --process nginx --config signatures.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, helpers.AllFormats); err != nil {
				return err
			}

			if scope.End != 0 && scope.Begin >= scope.End {
				return fmt.Errorf("--begin %#x must be below --end %#x", scope.Begin, scope.End)
			}

			cat, err := loadCatalogue(configPath, args, adhoc)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("max") {
				cat.Settings.MaxMatches = maxMatches
			}

			logger := helpers.NewLogger(cmd, cat.Settings)

			t, err := helpers.OpenTarget(cmd.Context(), target, logger)
			if err != nil {
				return err
			}
			defer errors.DeferClose(logger, t, "Failed to close target process")

			logger.Debug().
				Int("pid", t.PID).
				Int("signatures", len(cat.Signatures)).
				Msg("Scanning")

			results := NewRunner(t.Reader, t.Introspector, cat.Settings, scope, logger).Run(cat)
			if err := render(cmd.OutOrStdout(), helpers.OutputFormat(format), results); err != nil {
				return fmt.Errorf("failed to write output: %w", err)
			}

			failed := 0
			for _, res := range results {
				if !res.Found() {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d signatures not found", failed, len(results))
			}
			return nil
		},
	}

	helpers.AddTargetFlags(cmd, &target)
	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, helpers.AllFormats)

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Signature catalogue (default: $"+config.EnvConfig+")")
	errors.Must(cmd.MarkFlagFilename("config", "yaml", "yml"), "failed to mark config flag")
	cmd.Flags().StringVarP(&adhoc.Library, "lib", "l", "", "Library to scan (default: the process image)")
	cmd.Flags().StringVarP(&adhoc.Section, "section", "s", "", "Only scan this section")
	cmd.Flags().IntVarP(&adhoc.Expect, "expect", "n", 0, "Exact number of matches required")
	cmd.Flags().Int64Var(&adhoc.Offset, "offset", 0, "Displacement added to reported addresses")
	cmd.Flags().IntVar(&maxMatches, "max", 0, "Stop after this many matches (0: unlimited)")
	helpers.AddAddressFlag(cmd.Flags(), &scope.Begin, "begin", "Start of the address range to scan")
	helpers.AddAddressFlag(cmd.Flags(), &scope.End, "end", "End of the address range to scan")
	cmd.Flags().BoolVar(&scope.Sections, "sections", false, "Scan the section table instead of loader segments")
	cmd.Flags().BoolVar(&scope.AllRegions, "all", false, "Include non-executable regions")
	cmd.Flags().StringSliceVar(&scope.IgnoreLibraries, "ignore-lib", nil, "Skip regions owned by these libraries")
	cmd.Flags().StringSliceVar(&scope.IgnoreSections, "ignore-section", nil, "Skip sections with these names")

	return cmd
}

// loadCatalogue returns the catalogue named by path (or $SIGSCAN_CONFIG), or a
// one-signature catalogue built from the patterns on the command line.
func loadCatalogue(path string, patterns []string, adhoc config.Signature) (*config.Catalogue, error) {
	if len(patterns) > 0 {
		if path != "" {
			return nil, fmt.Errorf("patterns and --config are mutually exclusive")
		}

		settings, err := config.LoadSettings()
		if err != nil {
			return nil, err
		}

		adhoc.Name = "pattern"
		adhoc.Candidates = patterns
		cat := &config.Catalogue{
			Settings:   settings,
			Signatures: []config.Signature{adhoc},
		}
		if err := cat.Validate(); err != nil {
			return nil, err
		}
		return cat, nil
	}

	path = config.ResolvePath(path)
	if path == "" {
		return nil, fmt.Errorf("a pattern or --config is required")
	}

	cat, err := config.LoadCatalogue(path)
	if err != nil {
		return nil, err
	}
	if adhoc.Library != "" {
		cat.Library = adhoc.Library
	}
	return cat, nil
}

// row is one table or CSV line: a match, or a signature that was not found.
type row struct {
	Signature string `header:"SIGNATURE"`
	Candidate string `header:"CANDIDATE"`
	Address   string `header:"ADDRESS"`
	Location  string `header:"LOCATION"`
	Variant   string `header:"VARIANT"`
	Status    string `header:"STATUS"`
}

func rows(results []Result) []row {
	var out []row
	for _, res := range results {
		if !res.Found() {
			out = append(out, row{
				Signature: res.Signature,
				Candidate: "-",
				Address:   "-",
				Location:  "-",
				Variant:   "-",
				Status:    res.Error,
			})
			continue
		}

		for _, m := range res.Matches {
			location := "-"
			if m.Module != "" {
				location = fmt.Sprintf("%s+%#x", m.Module, m.ModuleOffset)
			}
			variant := m.Variant
			if variant == "" {
				variant = "-"
			}
			out = append(out, row{
				Signature: res.Signature,
				Candidate: fmt.Sprintf("#%d", res.Candidate),
				Address:   fmt.Sprintf("%#x", m.Address),
				Location:  location,
				Variant:   variant,
				Status:    "ok",
			})
		}
	}
	return out
}

func render(w io.Writer, format helpers.OutputFormat, results []Result) error {
	formatter, err := helpers.NewFormatter(format)
	if err != nil {
		return err
	}
	if format == helpers.FormatJSON {
		return formatter.Format(results, w)
	}
	return formatter.Format(rows(results), w)
}
