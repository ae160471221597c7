package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/p-n-ai/pai-study/internal/content"
)

func newImportCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "import PATH...",
		Short: "Import YAML or XLSX catalogs (files or directories)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadCatalog(args)
			if err != nil {
				return err
			}

			svc, closeFn, err := opts.service(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			res, err := content.Import(cmd.Context(), svc, c)
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(res)
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate PATH...",
		Short: "Check catalogs without writing anything",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadCatalog(args)
			if err != nil {
				return err
			}
			if err := content.Validate(c); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d themes, %d subjects\n", len(c.Themes), c.Subjects())
			return nil
		},
	}
}

// loadCatalog merges every path, walking directories.
func loadCatalog(paths []string) (content.Catalog, error) {
	var out content.Catalog
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return out, err
		}
		var c content.Catalog
		if info.IsDir() {
			c, err = content.LoadDir(p)
		} else {
			c, err = content.LoadFile(p)
		}
		if err != nil {
			return out, err
		}
		out.Merge(c)
	}
	return out, nil
}
