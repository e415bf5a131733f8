package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/sigscan/internal/cli/helpers"
	"github.com/coral-mesh/sigscan/internal/pattern"
)

// patternInfo describes a compiled pattern.
type patternInfo struct {
	Text      string `json:"text"`
	Canonical string `json:"canonical"`
	Bytes     string `json:"bytes"`
	Mask      string `json:"mask"`
	Length    int    `json:"length"`
	Wildcards int    `json:"wildcards"`
	Hash      string `json:"hash"`
}

type field struct {
	Field string `header:"FIELD"`
	Value string `header:"VALUE"`
}

func describePattern(text string) (patternInfo, error) {
	c := pattern.Compile(text)
	if c.Len() == 0 {
		return patternInfo{}, fmt.Errorf("pattern %q: %w", text, pattern.ErrEmpty)
	}

	return patternInfo{
		Text:      text,
		Canonical: c.String(),
		Bytes:     fmt.Sprintf("% X", c.Bytes()),
		Mask:      fmt.Sprintf("% X", c.Mask()),
		Length:    c.Len(),
		Wildcards: c.Wildcards(),
		Hash:      fmt.Sprintf("0x%016x", c.Hash()),
	}, nil
}

func (p patternInfo) fields() []field {
	return []field{
		{Field: "Pattern", Value: p.Canonical},
		{Field: "Bytes", Value: p.Bytes},
		{Field: "Mask", Value: p.Mask},
		{Field: "Length", Value: strconv.Itoa(p.Length)},
		{Field: "Wildcards", Value: strconv.Itoa(p.Wildcards)},
		{Field: "Hash", Value: p.Hash},
	}
}

func newHashCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "hash <pattern>",
		Short: "Compile a pattern and show its bytes, mask and hint key",
		Long: `Compile a pattern without scanning and print the byte and mask buffers the
scanner uses. The hash is computed over the pattern text exactly as given and
is the key under which match hints are cached, so "90 90" and "9090" hash
differently even though they compile to the same bytes.`,
		Example: `  sigscan hash "48 8B 05 ? ? ? ? 48 85 C0"`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, helpers.AllFormats); err != nil {
				return err
			}

			info, err := describePattern(args[0])
			if err != nil {
				return err
			}

			formatter, err := helpers.NewFormatter(helpers.OutputFormat(format))
			if err != nil {
				return err
			}
			if format == string(helpers.FormatJSON) {
				return formatter.Format(info, cmd.OutOrStdout())
			}
			return formatter.Format(info.fields(), cmd.OutOrStdout())
		},
	}

	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, helpers.AllFormats)

	return cmd
}
