package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/meigma/fastpull/blos"
)

const (
	srcURIFlag = "src-uri"
	catpkgFlag = "catpkg"
)

func newInsertCmd(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "insert FILE...",
		Short: "insert local files into the store",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return wrapError(insert(ctx, cmd, args))
		},
	}
	addScopeFlag(cmd)
	cmd.Flags().StringSlice(srcURIFlag, nil, "source URI recorded with each file")
	cmd.Flags().String(catpkgFlag, "", "category/package that references the files")
	return cmd
}

func insert(ctx context.Context, cmd *cobra.Command, paths []string) error {
	c, s, err := openScope(ctx, cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	var opts []blos.InsertOption
	if uris, _ := cmd.Flags().GetStringSlice(srcURIFlag); len(uris) > 0 {
		opts = append(opts, blos.WithSourceURI(uris...))
	}
	if catpkg, _ := cmd.Flags().GetString(catpkgFlag); catpkg != "" {
		opts = append(opts, blos.WithRef(blos.Ref{CatPkg: catpkg, Scope: s.Name()}))
	}

	out := cmd.OutOrStdout()
	for _, p := range paths {
		rec, err := s.Insert(ctx, p, opts...)
		if err != nil {
			return fmt.Errorf("insert %s: %w", p, err)
		}
		fmt.Fprintf(out, "%s  %s\n", rec.SHA512(), p)
	}
	return nil
}
