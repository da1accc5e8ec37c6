// Command minstore is an operator tool for inspecting and administering the
// buckets behind a minstore deployment: checking that they exist, creating
// and deleting them, listing their contents, and reading or replacing their
// access policies.
//
// Connection settings come from MINSTORE_* environment variables, optionally
// loaded from a .env file in the working directory.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"minstore/pkg/policy"
	"minstore/pkg/storage"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
)

const defaultListFormat = "$name"

func kindNames() string {
	names := make([]string, 0, len(policy.Kinds()))
	for _, k := range policy.Kinds() {
		names = append(names, string(k))
	}
	return strings.Join(names, ", ")
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: %s <command> [flags] [bucket]

Commands:
  check    verify that the bucket exists
  create   create the bucket, optionally applying an access policy
  delete   delete the bucket (must be empty)
  ls       list bucket contents (or the buckets themselves with -buckets)
  policy   print the bucket policy, or replace it with -set

The bucket argument defaults to MINSTORE_BUCKET_NAME.
`, os.Args[0])
}

// storageFor builds a Storage bound to the given bucket. Admin commands must
// observe remote state, never repair it, so auto-creation is disabled no
// matter what the environment says.
func storageFor(bucket string) (*storage.Storage, error) {
	client, err := storage.ClientFromEnv()
	if err != nil {
		return nil, err
	}

	// The bucket argument stands in for MINSTORE_BUCKET_NAME; any other
	// problem with the environment is fatal. storage.New validates the
	// combined result.
	cfg, err := storage.ConfigFromEnv("MINSTORE")
	if err != nil {
		return nil, err
	}
	if bucket != "" {
		cfg.BucketName = bucket
	}
	cfg.AutoCreateBucket = false
	cfg.AssumeBucketExists = true

	return storage.New(client, cfg, slog.Default())
}

func runCheck(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := storageFor(fs.Arg(0))
	if err != nil {
		return err
	}

	exists, err := s.CheckBucket(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("bucket does not exist")
	}

	fmt.Println("ok")
	return nil
}

func runCreate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	policyName := fs.String("policy", "", "access policy to apply ("+kindNames()+")")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var kind policy.Kind
	if *policyName != "" {
		parsed, err := policy.ParseKind(*policyName)
		if err != nil {
			return err
		}
		kind = parsed
	}

	s, err := storageFor(fs.Arg(0))
	if err != nil {
		return err
	}

	if err := s.CreateBucket(ctx, fs.Arg(0), kind); err != nil {
		return err
	}

	fmt.Println("created")
	return nil
}

func runDelete(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := storageFor(fs.Arg(0))
	if err != nil {
		return err
	}

	if err := s.DeleteBucket(ctx, fs.Arg(0)); err != nil {
		return err
	}

	fmt.Println("deleted")
	return nil
}

// expandEntry renders a list entry using $name, $size, $modified, $url and
// $etag placeholders.
func expandEntry(ctx context.Context, s *storage.Storage, format string, entry storage.ObjectEntry) string {
	return os.Expand(format, func(field string) string {
		switch field {
		case "name":
			return entry.Key
		case "size":
			if entry.IsPrefix {
				return "-"
			}
			return strconv.FormatInt(entry.Size, 10)
		case "modified":
			if entry.IsPrefix {
				return "-"
			}
			return entry.LastModified.UTC().Format(time.RFC3339)
		case "etag":
			return strings.Trim(entry.ETag, `"`)
		case "url":
			if entry.IsPrefix {
				return ""
			}
			u, err := s.URL(ctx, entry.Key, nil)
			if err != nil {
				slog.Error("Build object URL", "key", entry.Key, "error", err)
				return ""
			}
			return u
		default:
			return ""
		}
	})
}

func runList(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ls", flag.ExitOnError)
	prefix := fs.String("prefix", "", "only list keys under this prefix")
	recursive := fs.Bool("recursive", false, "descend into sub-prefixes")
	dirs := fs.Bool("dirs", false, "list only sub-prefixes")
	files := fs.Bool("files", false, "list only objects")
	buckets := fs.Bool("buckets", false, "list buckets instead of objects")
	format := fs.String("format", defaultListFormat, "output line template ($name $size $modified $url $etag)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := storageFor(fs.Arg(0))
	if err != nil {
		return err
	}

	if *buckets {
		infos, err := s.ListBuckets(ctx)
		if err != nil {
			return err
		}
		for _, info := range infos {
			fmt.Println(info.Name)
		}
		return nil
	}

	entries, err := s.ListPrefix(ctx, fs.Arg(0), *prefix, *recursive)
	if err != nil {
		return err
	}

	showDirs, showFiles := listFilters(*dirs, *files)
	for _, entry := range entries {
		if entry.IsPrefix && !showDirs {
			continue
		}
		if !entry.IsPrefix && !showFiles {
			continue
		}
		fmt.Println(expandEntry(ctx, s, *format, entry))
	}

	return nil
}

// listFilters resolves the -dirs/-files narrowing: with neither flag set the
// listing includes both kinds of entry.
func listFilters(dirs, files bool) (showDirs, showFiles bool) {
	if !dirs && !files {
		return true, true
	}
	return dirs, files
}

func runPolicy(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("policy", flag.ExitOnError)
	set := fs.String("set", "", "replace the bucket policy ("+kindNames()+")")
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := storageFor(fs.Arg(0))
	if err != nil {
		return err
	}

	if *set != "" {
		kind, err := policy.ParseKind(*set)
		if err != nil {
			return err
		}
		if err := s.SetPolicy(ctx, fs.Arg(0), kind); err != nil {
			return err
		}
		fmt.Println("policy updated")
		return nil
	}

	doc, err := s.GetPolicy(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	if doc == "" {
		fmt.Println("no policy set")
		return nil
	}

	fmt.Println(doc)
	return nil
}

func Run(ctx context.Context) error {
	handler := log.NewWithOptions(os.Stderr, log.Options{
		Level:           log.InfoLevel,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
	})

	slog.SetDefault(slog.New(handler))

	// A .env file is a convenience for local use; ignore it when absent.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		usage()
		return fmt.Errorf("missing command")
	}

	args := os.Args[2:]

	switch os.Args[1] {
	case "check":
		return runCheck(ctx, args)
	case "create":
		return runCreate(ctx, args)
	case "delete":
		return runDelete(ctx, args)
	case "ls":
		return runList(ctx, args)
	case "policy":
		return runPolicy(ctx, args)
	default:
		usage()
		return fmt.Errorf("unknown command %q", os.Args[1])
	}
}

func main() {
	if err := Run(context.Background()); err != nil {
		slog.Error("minstore exited with error", "error", err)
		os.Exit(1)
	}
}
