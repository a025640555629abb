package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// printResult renders v as indented JSON when --json is set, otherwise calls
// the caller-supplied plain function to print it as text. This is the full extent of paictl's output formatting: no
// interactive forms, spinners, or color — that surface belongs to the
// dropped teacher pkg/console (see DESIGN.md).
func printResult(cmd *cobra.Command, v any, plain func()) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	if !asJSON {
		plain()
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printf(format string, args ...any) {
	fmt.Fprintf(os.Stdout, format, args...)
}
