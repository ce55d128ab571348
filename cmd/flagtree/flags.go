package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/matt-riley/flagtree/flags"
	"github.com/matt-riley/flagtree/internal/catalog"
	"github.com/matt-riley/flagtree/internal/scope"
)

type definitionDoc struct {
	Name    string `json:"name" yaml:"name"`
	Kind    string `json:"kind" yaml:"kind"`
	Default string `json:"default" yaml:"default"`
	Example string `json:"example" yaml:"example"`
}

func newFlagsCommand() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "flags",
		Short: "List the flags this server recognises",
		Long: `List every flag in the catalog with its kind, default value and an example
of an accepted value.

Examples:
  flagtree flags
  flagtree flags --format yaml
  flagtree flags -f json | jq '.[].name'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg := flags.NewRegistry()
			catalog.Register(reg)
			svc, err := scope.New(cmd.Context(), reg)
			if err != nil {
				return err
			}
			return writeDefinitions(cmd.OutOrStdout(), format, svc.Definitions())
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "table", "output format: table, yaml or json")
	return cmd
}

func writeDefinitions(w io.Writer, format string, defs []scope.Definition) error {
	docs := make([]definitionDoc, 0, len(defs))
	for _, d := range defs {
		docs = append(docs, definitionDoc(d))
	}

	switch format {
	case "table":
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tKIND\tDEFAULT\tEXAMPLE")
		for _, d := range docs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.Name, d.Kind, d.Default, d.Example)
		}
		return tw.Flush()
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(docs); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(docs)
	default:
		return fmt.Errorf("unknown format %q (want table, yaml or json)", format)
	}
}
