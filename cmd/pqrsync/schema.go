package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/pqrsync/internal/core"
	"github.com/JonMunkholm/pqrsync/internal/store"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Create the company tables and indexes",
	Long: `Creates each registered company's table and its unique fingerprint index
if they do not exist. With --print the statements are written to stdout and
nothing is executed.`,
	RunE: schema,
}

var schemaFlags struct {
	company string
	print   bool
}

func init() {
	schemaCmd.Flags().StringVar(&schemaFlags.company, "company", "", "Only this company (afinia, aire)")
	schemaCmd.Flags().BoolVar(&schemaFlags.print, "print", false, "Print the DDL instead of executing it")
}

func schema(cmd *cobra.Command, args []string) error {
	defs := core.Definitions()
	if schemaFlags.company != "" {
		def, ok := core.Lookup(core.ParseCompany(schemaFlags.company))
		if !ok {
			return &exitError{exitFatal, fmt.Errorf("unknown company %q", schemaFlags.company)}
		}
		defs = []core.CompanyDefinition{def}
	}

	if schemaFlags.print {
		out := cmd.OutOrStdout()
		for _, def := range defs {
			fmt.Fprintf(out, "-- %s\n", def.Label)
			for _, stmt := range store.SchemaStatements(def) {
				fmt.Fprintln(out, strings.TrimSpace(stmt)+";")
			}
			fmt.Fprintln(out)
		}
		return nil
	}

	d, err := openDeps(cmd.Context(), cfg, false)
	if err != nil {
		return &exitError{exitFatal, err}
	}
	defer d.Close()

	for _, def := range defs {
		if err := d.loader.EnsureSchema(cmd.Context(), def); err != nil {
			return &exitError{exitFatal, err}
		}
		n, err := d.loader.Count(cmd.Context(), def)
		if err != nil {
			return &exitError{exitFatal, err}
		}
		slog.Info("table ready", "table", def.Table, "rows", n)
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d rows\n", def.Table, n)
	}
	return nil
}
