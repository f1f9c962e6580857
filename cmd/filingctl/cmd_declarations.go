package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"efiling/internal/filing/declaration"
)

var declarationsFlags struct {
	check string
}

var declarationsCmd = &cobra.Command{
	Use:   "declarations",
	Short: "Print the embedded declaration catalog, or validate an override file",
	RunE:  runDeclarations,
}

func init() {
	declarationsCmd.Flags().StringVar(&declarationsFlags.check, "check", "", "Validate this catalog file instead of printing")
}

func runDeclarations(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	if declarationsFlags.check != "" {
		catalog, err := declaration.LoadCatalog(declarationsFlags.check)
		if err != nil {
			return err
		}
		for _, set := range catalog.Sets() {
			fmt.Fprintf(out, "%-6s version %-8s %d declarations, %d required\n",
				set.FormType, set.Version, len(set.Items), len(set.RequiredIDs()))
		}
		return nil
	}

	catalog, err := declaration.DefaultCatalog()
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(map[string]any{"sets": catalog.Sets()})
}
