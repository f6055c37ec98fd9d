// Package fastpull fetches distfiles into verified, content-addressed
// storage.
//
// A [Client] is built once from a [config.Config]. It owns one [Scope] per
// configured store. A Scope binds a [blos.Store] (blobs keyed by SHA-512
// with JSON records) to a URL index, a [spider.Spider] for network
// transfers, and optionally an OCI mirror.
//
// # Quick Start
//
//	cfg, err := config.Load()
//	if err != nil {
//	    return err
//	}
//	c, err := fastpull.New(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//
//	summary, err := c.FetchAll(ctx, "", []fastpull.Request{
//	    {URL: "https://example.org/foo-1.0.tar.gz"},
//	})
//	if err != nil {
//	    return err
//	}
//	if err := summary.Err(); err != nil {
//	    return err
//	}
//
// Every fetched file passes hash verification before it is committed to the
// store, and no file is stored twice. Failures of individual fetches are
// recorded in the [Summary] and never cancel sibling fetches.
package fastpull
