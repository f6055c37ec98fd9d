package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/meigma/fastpull"
	"github.com/meigma/fastpull/hashes"
)

const (
	sha512Flag = "sha512"
	digestFlag = "digest"
	sizeFlag   = "size"
	mirrorFlag = "mirror"
	retryFlag  = "retry"
)

func newFetchCmd(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch URL...",
		Short: "fetch distfiles into the store",
		Long: "Fetch every URL concurrently, verify it and commit it to the store.\n" +
			"Exits non-zero if any fetch failed or did not match its expected hashes.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return wrapError(fetch(ctx, cmd, args))
		},
	}
	addScopeFlag(cmd)
	cmd.Flags().String(sha512Flag, "", "expected sha512 (single URL only)")
	cmd.Flags().StringSlice(digestFlag, nil, "expected digest as alg:hex, repeatable (single URL only)")
	cmd.Flags().Int64(sizeFlag, 0, "expected size in bytes (single URL only)")
	cmd.Flags().StringSlice(mirrorFlag, nil, "mirror URL tried after the primary (single URL only)")
	cmd.Flags().Int(retryFlag, 0, "retries for transient failures (default from config)")
	return cmd
}

func fetch(ctx context.Context, cmd *cobra.Command, urls []string) error {
	req, err := requestFlags(cmd)
	if err != nil {
		return err
	}
	single := len(req.Expected) > 0 || req.ExpectedSize > 0 || len(req.Mirrors) > 0
	if single && len(urls) != 1 {
		return errors.New("expected digests, size and mirrors need exactly one URL")
	}

	c, s, err := openScope(ctx, cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	reqs := make([]fastpull.Request, len(urls))
	for i, u := range urls {
		reqs[i] = req
		reqs[i].URL = u
	}
	summary, err := c.FetchAll(ctx, s.Name(), reqs)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, res := range summary.Results {
		if res.Err != nil {
			fmt.Fprintf(out, "FAILED  %s: %v\n", res.Request.URL, res.Err)
			continue
		}
		fmt.Fprintf(out, "%s  %s\n", res.Record.SHA512(), res.Request.URL)
	}
	slog.Info("fetch finished",
		slog.Int("fetched", summary.Fetched),
		slog.Int("reused", summary.Reused),
		slog.Int("mismatched", summary.Mismatched),
		slog.Int("failed", summary.Failed),
	)
	return summary.Err()
}

// requestFlags builds the request template shared by every URL.
func requestFlags(cmd *cobra.Command) (fastpull.Request, error) {
	var req fastpull.Request
	flags := cmd.Flags()

	digests, _ := flags.GetStringSlice(digestFlag)
	if sha, _ := flags.GetString(sha512Flag); sha != "" {
		digests = append(digests, string(hashes.SHA512)+":"+sha)
	}
	if len(digests) > 0 {
		set, err := hashes.ParseSet(digests...)
		if err != nil {
			return req, err
		}
		req.Expected = set
	}
	req.ExpectedSize, _ = flags.GetInt64(sizeFlag)
	req.Mirrors, _ = flags.GetStringSlice(mirrorFlag)
	req.Retry, _ = flags.GetInt(retryFlag)
	return req, nil
}
