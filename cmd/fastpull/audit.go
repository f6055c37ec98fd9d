package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

const deepFlag = "deep"

func newAuditCmd(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "check the store for missing, corrupt and orphaned blobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return wrapError(audit(ctx, cmd))
		},
	}
	addScopeFlag(cmd)
	cmd.Flags().Bool(deepFlag, false, "re-hash every blob")
	return cmd
}

func audit(ctx context.Context, cmd *cobra.Command) error {
	c, s, err := openScope(ctx, cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	deep, _ := cmd.Flags().GetBool(deepFlag)
	out := cmd.OutOrStdout()
	problems := 0
	for p, err := range s.Audit(ctx, deep) {
		if err != nil {
			return err
		}
		problems++
		fmt.Fprintln(out, p.String())
	}

	count, size, err := s.Store().Usage(ctx)
	if err != nil {
		return err
	}
	slog.Info("audit finished",
		slog.String("scope", s.Name()),
		slog.Int("blobs", count),
		slog.Int64("bytes", size),
		slog.Int("problems", problems),
	)
	if problems > 0 {
		return fmt.Errorf("%d problems found", problems)
	}
	return nil
}
