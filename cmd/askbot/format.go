package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/marlabs/askbot/pkg/formatter"
)

var formatCmd = &cobra.Command{
	Use:   "format [file]",
	Short: "Format a bot reply and print the HTML and citations as JSON",
	Long: `Reads a raw bot reply from the given file, or stdin when no file or "-"
is given, and prints {"html": ..., "citations": [...]}.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := cmd.InOrStdin()
		if len(args) == 1 && args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}
		return runFormat(in, cmd.OutOrStdout())
	},
}

func runFormat(in io.Reader, out io.Writer) error {
	raw, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("reading input: %w", err)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(formatter.Format(string(raw)))
}
