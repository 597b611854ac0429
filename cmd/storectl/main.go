// Package main provides an operator CLI for the resource store. It talks to
// the same cache tier, locks and durable storage as the server, configured
// from the same DIAL_* environment.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/epam/ai-dial-core-sub000/internal/config"
	"github.com/epam/ai-dial-core-sub000/internal/engine"
	"github.com/epam/ai-dial-core-sub000/internal/logging"
	"github.com/epam/ai-dial-core-sub000/internal/resource"
	"github.com/epam/ai-dial-core-sub000/internal/store"
)

type cli struct {
	eng         *engine.Engine
	pre         store.Precondition
	contentType string
	list        store.ListOptions
}

func main() {
	ifMatch := flag.String("if-match", "", "Only act if the current etag matches (comma-separated list or *)")
	ifNoneMatch := flag.String("if-none-match", "", "Only act if the current etag does not match (* = create only)")
	contentType := flag.String("content-type", "", "Content type for put")
	recursive := flag.Bool("r", false, "List folders recursively")
	limit := flag.Int("limit", 100, "Page size for ls")
	token := flag.String("token", "", "Continuation token for ls")
	timeout := flag.Duration("timeout", time.Minute, "Overall command timeout")

	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}
	cmd := args[0]
	cmdArgs := args[1:]
	if cmd == "help" {
		printUsage()
		return
	}

	pre, err := store.ParsePrecondition(*ifMatch, *ifNoneMatch)
	if err != nil {
		fail("Invalid precondition", err)
	}

	cfg, err := config.Load()
	if err != nil {
		fail("Invalid configuration", err)
	}
	if err := logging.Init(logging.Config{Level: "warn", Format: "console", OutputPath: "stderr"}); err != nil {
		fail("Logging init", err)
	}
	defer logging.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	eng, err := engine.Open(ctx, cfg)
	if err != nil {
		fail("Opening store", err)
	}
	defer eng.Close()

	c := &cli{
		eng:         eng,
		pre:         pre,
		contentType: *contentType,
		list:        store.ListOptions{Token: *token, Limit: *limit, Recursive: *recursive},
	}

	switch cmd {
	case "get", "cat":
		err = c.cmdGet(ctx, cmdArgs)
	case "meta", "stat":
		err = c.cmdMeta(ctx, cmdArgs)
	case "ls", "list":
		err = c.cmdList(ctx, cmdArgs)
	case "put":
		err = c.cmdPut(ctx, cmdArgs)
	case "rm", "delete":
		err = c.cmdDelete(ctx, cmdArgs)
	case "cp", "copy":
		err = c.cmdCopy(ctx, cmdArgs)
	case "flush":
		err = c.cmdFlush(ctx, cmdArgs)
	case "due":
		err = c.cmdDue(ctx)
	case "sync":
		err = c.cmdSync(ctx)
	case "bucket":
		err = c.cmdBucket(cmdArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		eng.Close()
		fail(cmd, err)
	}
}

func printUsage() {
	fmt.Println(`Resource store CLI

Usage: storectl [flags] <command> [args]

Configuration is read from DIAL_* environment variables (DIAL_REDIS_ADDR,
DIAL_STORAGE_BACKEND, DIAL_STORAGE_CONFIG, DIAL_BUCKET_SECRET, ...).

Flags:
  -if-match <etags>       Precondition for put, rm and cp
  -if-none-match <etags>  Precondition for put, rm and cp (* = create only)
  -content-type <type>    Content type for put
  -r                      Recursive listing
  -limit <n>              Page size for ls (default: 100)
  -token <token>          Continuation token for ls
  -timeout <duration>     Overall command timeout (default: 1m)

Commands:
  get, cat <url>          Print a resource body
  meta, stat <url>        Print metadata (folders include one page of items) as JSON
  ls, list <folder-url>   List a folder
  put <url> [file]        Write a resource from file or stdin
  rm, delete <url>        Delete a resource
  cp, copy <src> <dst>    Copy a resource
  flush <url>             Write a resource through to durable storage now
  due                     List cache keys waiting for sync
  sync                    Run one sync pass over all due keys
  bucket <location>       Print the bucket id of a bucket location
  help                    Show this help message

Examples:
  storectl bucket users/alice/
  storectl ls conversations/<bucket-id>/
  storectl -if-none-match '*' put prompts/<bucket-id>/greeting prompt.json
  storectl get files/<bucket-id>/reports/q3.pdf > q3.pdf
  storectl flush conversations/<bucket-id>/chat-1`)
}

func fail(what string, err error) {
	fmt.Fprintf(os.Stderr, "Error: %s: %v\n", what, err)
	os.Exit(1)
}

func (c *cli) resolve(args []string, n int) ([]resource.Address, error) {
	if len(args) != n {
		return nil, fmt.Errorf("expected %d resource url(s), got %d", n, len(args))
	}
	addrs := make([]resource.Address, n)
	for i, raw := range args {
		addr, err := c.eng.Resolve(raw)
		if err != nil {
			return nil, err
		}
		addrs[i] = addr
	}
	return addrs, nil
}

func (c *cli) cmdGet(ctx context.Context, args []string) error {
	addrs, err := c.resolve(args, 1)
	if err != nil {
		return err
	}
	addr := addrs[0]
	if addr.Type.Binary() {
		res, err := c.eng.Files.Get(ctx, addr)
		if err != nil {
			return err
		}
		if res == nil {
			return resource.ErrNotFound
		}
		_, err = os.Stdout.Write(res.Body)
		return err
	}
	res, err := c.eng.Documents.Get(ctx, addr)
	if err != nil {
		return err
	}
	if res == nil {
		return resource.ErrNotFound
	}
	fmt.Println(res.Body)
	return nil
}

func (c *cli) metadata(ctx context.Context, addr resource.Address) (*store.Metadata, error) {
	var (
		meta *store.Metadata
		err  error
	)
	if addr.Type.Binary() {
		meta, err = c.eng.Files.GetMetadata(ctx, addr, c.list)
	} else {
		meta, err = c.eng.Documents.GetMetadata(ctx, addr, c.list)
	}
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, resource.ErrNotFound
	}
	return meta, nil
}

func (c *cli) cmdMeta(ctx context.Context, args []string) error {
	addrs, err := c.resolve(args, 1)
	if err != nil {
		return err
	}
	meta, err := c.metadata(ctx, addrs[0])
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func (c *cli) cmdList(ctx context.Context, args []string) error {
	addrs, err := c.resolve(args, 1)
	if err != nil {
		return err
	}
	if !addrs[0].IsFolder() {
		return fmt.Errorf("%s is not a folder", addrs[0].URL())
	}
	meta, err := c.metadata(ctx, addrs[0])
	if err != nil {
		return err
	}
	if len(meta.Items) == 0 {
		fmt.Println("Folder is empty")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSIZE\tUPDATED\tETAG")
	fmt.Fprintln(w, "----\t----\t-------\t----")
	for _, item := range meta.Items {
		name := item.URL
		if !c.list.Recursive {
			name = item.Name
		}
		if item.Folder {
			fmt.Fprintf(w, "%s\t-\t-\t-\n", name)
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			name,
			formatSize(item.ContentLength),
			formatMillis(item.UpdatedAt),
			shortEtag(item.Etag))
	}
	w.Flush()
	if meta.NextToken != "" {
		fmt.Printf("\nMore items: -token %s\n", meta.NextToken)
	}
	return nil
}

func (c *cli) cmdPut(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.New("usage: put <url> [file]")
	}
	addrs, err := c.resolve(args[:1], 1)
	if err != nil {
		return err
	}
	in := io.Reader(os.Stdin)
	if len(args) == 2 && args[1] != "-" {
		f, err := os.Open(args[1])
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return err
	}

	var meta *store.Metadata
	if addrs[0].Type.Binary() {
		meta, err = c.eng.Files.Put(ctx, addrs[0], data, c.contentType, c.pre)
	} else {
		meta, err = c.eng.Documents.Put(ctx, addrs[0], string(data), c.contentType, c.pre)
	}
	if err != nil {
		return err
	}
	fmt.Printf("%s etag=%s size=%s\n", meta.URL, meta.Etag, formatSize(meta.ContentLength))
	return nil
}

func (c *cli) cmdDelete(ctx context.Context, args []string) error {
	addrs, err := c.resolve(args, 1)
	if err != nil {
		return err
	}
	var deleted bool
	if addrs[0].Type.Binary() {
		deleted, err = c.eng.Files.Delete(ctx, addrs[0], c.pre)
	} else {
		deleted, err = c.eng.Documents.Delete(ctx, addrs[0], c.pre)
	}
	if err != nil {
		return err
	}
	if !deleted {
		fmt.Printf("%s did not exist\n", addrs[0].URL())
		return nil
	}
	fmt.Printf("Deleted %s\n", addrs[0].URL())
	return nil
}

func (c *cli) cmdCopy(ctx context.Context, args []string) error {
	addrs, err := c.resolve(args, 2)
	if err != nil {
		return err
	}
	src, dst := addrs[0], addrs[1]
	if src.Type.Binary() != dst.Type.Binary() {
		return fmt.Errorf("cannot copy %s into %s", src.Type, dst.Type)
	}
	var meta *store.Metadata
	if src.Type.Binary() {
		meta, err = c.eng.Files.Copy(ctx, src, dst, c.pre)
	} else {
		meta, err = c.eng.Documents.Copy(ctx, src, dst, c.pre)
	}
	if err != nil {
		return err
	}
	fmt.Printf("Copied %s -> %s etag=%s\n", src.URL(), meta.URL, meta.Etag)
	return nil
}

func (c *cli) cmdFlush(ctx context.Context, args []string) error {
	addrs, err := c.resolve(args, 1)
	if err != nil {
		return err
	}
	if addrs[0].Type.Binary() {
		err = c.eng.Files.Flush(ctx, addrs[0])
	} else {
		err = c.eng.Documents.Flush(ctx, addrs[0])
	}
	if err != nil {
		return err
	}
	fmt.Printf("Flushed %s\n", addrs[0].URL())
	return nil
}

func (c *cli) cmdDue(ctx context.Context) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STORE\tKEY")
	fmt.Fprintln(w, "-----\t---")
	total := 0
	for _, s := range c.eng.Syncers() {
		keys, err := s.DueKeys(ctx)
		if err != nil {
			return fmt.Errorf("%s: %w", s.Name(), err)
		}
		for _, key := range keys {
			fmt.Fprintf(w, "%s\t%s\n", s.Name(), key)
		}
		total += len(keys)
	}
	w.Flush()
	fmt.Printf("\n%d key(s) due\n", total)
	return nil
}

func (c *cli) cmdSync(ctx context.Context) error {
	for name, pass := range map[string]func(context.Context) (int, error){
		c.eng.Documents.Name(): c.eng.Documents.SyncDue,
		c.eng.Files.Name():     c.eng.Files.SyncDue,
	} {
		n, err := pass(ctx)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		fmt.Printf("%s: synced %d key(s)\n", name, n)
	}
	return nil
}

func (c *cli) cmdBucket(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: bucket <location>")
	}
	id, err := c.eng.Buckets.Encode(args[0])
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04:05")
}

func shortEtag(etag string) string {
	if len(etag) > 12 {
		return etag[:12]
	}
	return etag
}
