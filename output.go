package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ekaya-inc/assay-engine/pkg/analysis/optimizer"
)

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readInput reads a file argument, or stdin for "-".
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// parseParams parses element parameters written as El=blank:scale.
func parseParams(values []string) (map[string]optimizer.Params, error) {
	params := make(map[string]optimizer.Params, len(values))
	for _, v := range values {
		el, rest, ok := strings.Cut(v, "=")
		blank, scale, ok2 := strings.Cut(rest, ":")
		if !ok || !ok2 || strings.TrimSpace(el) == "" {
			return nil, fmt.Errorf("invalid parameter %q, want El=blank:scale", v)
		}
		b, err := strconv.ParseFloat(strings.TrimSpace(blank), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid blank in %q: %w", v, err)
		}
		s, err := strconv.ParseFloat(strings.TrimSpace(scale), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid scale in %q: %w", v, err)
		}
		params[strings.TrimSpace(el)] = optimizer.Params{Blank: b, Scale: s}
	}
	if len(params) == 0 {
		return nil, fmt.Errorf("at least one --param is required")
	}
	return params, nil
}
