package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/docker/go-units"
	"github.com/objstore-io/go-superupload/multipart"
	"github.com/objstore-io/go-superupload/superupload"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type uploadOptions struct {
	prefix           string
	chunkSize        string
	concurrency      int
	maxRetries       int
	filesConcurrency int
	adaptiveChunk    bool
	resume           string
	contentType      string
	storageClass     string
	metadata         map[string]string
	progress         bool
}

type uploadJob struct {
	path string
	key  string
}

func newUploadCmd(global *globalOptions, logger log.Logger, factory transportFactory) *cobra.Command {
	opts := &uploadOptions{}

	cmd := &cobra.Command{
		Use:   "upload <bucket> <path or pattern>...",
		Short: "Upload files as multipart uploads",
		Long: `Upload every file matching the given paths. Patterns may use ** to match
any number of directories; matched files keep their path relative to the
pattern base in the object key. Interrupting the command aborts the uploads
in progress.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			chunkSize, err := units.RAMInBytes(opts.chunkSize)
			if err != nil {
				return fmt.Errorf("invalid chunk size %q: %w", opts.chunkSize, err)
			}
			if opts.filesConcurrency < 1 {
				return fmt.Errorf("--files-concurrency must be at least 1, got %d", opts.filesConcurrency)
			}

			jobs, err := expandPaths(args[1:], opts.prefix, logger)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				return errors.New("no files to upload")
			}
			if opts.resume != "" && len(jobs) > 1 {
				return fmt.Errorf("--resume takes a single file, %d matched", len(jobs))
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			transport, err := factory(ctx, *global, logger)
			if err != nil {
				return fmt.Errorf("create %s transport: %w", global.backend, err)
			}

			u := uploader{transport: transport, bucket: args[0], chunkSize: chunkSize, opts: opts, logger: logger}
			return u.uploadAll(ctx, jobs)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.prefix, "prefix", "", "object key prefix")
	flags.StringVar(&opts.chunkSize, "chunk-size", "5MiB", "part size, e.g. 8MiB")
	flags.IntVar(&opts.concurrency, "concurrency", superupload.DefaultPartConcurrency, "parts uploaded at the same time, per file")
	flags.IntVar(&opts.maxRetries, "max-retries", superupload.DefaultMaxRetryCount, "retries per part")
	flags.IntVar(&opts.filesConcurrency, "files-concurrency", 2, "files uploaded at the same time")
	flags.BoolVar(&opts.adaptiveChunk, "adaptive-chunk", false, "grow the chunk size when a file needs more than 10000 parts")
	flags.StringVar(&opts.resume, "resume", "", "upload id of an interrupted upload to continue")
	flags.StringVar(&opts.contentType, "content-type", "", "content type, guessed from the object key by default")
	flags.StringVar(&opts.storageClass, "storage-class", "", "storage class of the object")
	flags.StringToStringVar(&opts.metadata, "meta", nil, "user metadata, key=value")
	flags.BoolVar(&opts.progress, "progress", false, "log progress after every part")

	return cmd
}

type uploader struct {
	transport multipart.Transport
	bucket    string
	chunkSize int64
	opts      *uploadOptions
	logger    log.Logger
}

func (u uploader) uploadAll(ctx context.Context, jobs []uploadJob) error {
	var g errgroup.Group
	g.SetLimit(u.opts.filesConcurrency)

	for _, job := range jobs {
		g.Go(func() error {
			result, err := u.upload(ctx, job)
			if err != nil {
				u.logger.Errorf("Failed to upload %s: %s", job.path, err)
				return fmt.Errorf("upload %s: %w", job.path, err)
			}
			u.logger.Donef("%s -> %s/%s (etag: %s)", job.path, result.Bucket, result.Object, result.ETag)
			return nil
		})
	}

	return g.Wait()
}

func (u uploader) upload(ctx context.Context, job uploadJob) (*superupload.Result, error) {
	source, err := superupload.NewFileSource(job.path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := source.Close(); err != nil {
			u.logger.Warnf("Failed to close %s: %s", job.path, err)
		}
	}()

	chunkSize := u.chunkSize
	if u.opts.adaptiveChunk {
		chunkSize = superupload.AdaptiveChunkSize(source.Size(), chunkSize)
		if chunkSize != u.chunkSize {
			u.logger.Infof("Chunk size of %s raised to %s", job.path, units.BytesSize(float64(chunkSize)))
		}
	}

	options := []superupload.Option{
		superupload.WithLogger(u.logger),
		superupload.WithChunkSize(chunkSize),
		superupload.WithPartConcurrency(u.opts.concurrency),
		superupload.WithMaxRetryCount(u.opts.maxRetries),
		superupload.WithContentType(u.opts.contentType),
		superupload.WithStorageClass(u.opts.storageClass),
		superupload.WithUserMetadata(u.opts.metadata),
	}
	if u.opts.resume != "" {
		options = append(options, superupload.WithUploadID(u.opts.resume))
	}

	session, err := superupload.New(u.transport, u.bucket, job.key, source, options...)
	if err != nil {
		return nil, err
	}
	if u.opts.progress {
		go u.logProgress(job, session.Events())
	}

	if err := session.Start(ctx); err != nil {
		return nil, err
	}
	u.logger.Printf("Upload id of %s: %s", job.key, session.UploadID())

	stopCancel := context.AfterFunc(ctx, func() {
		aborted, err := session.Cancel(context.Background())
		if err != nil {
			u.logger.Warnf("Failed to abort upload %s: %s", session.UploadID(), err)
		} else if aborted {
			u.logger.Warnf("Upload %s of %s aborted", session.UploadID(), job.path)
		}
	})
	defer stopCancel()

	result, err := session.Wait(context.Background())
	var failures *superupload.PartFailuresError
	if errors.As(err, &failures) {
		// leave the upload in place so it can be continued with --resume
		u.logger.Warnf("Continue with: --resume %s", failures.UploadID)
	}
	return result, err
}

func (u uploader) logProgress(job uploadJob, events <-chan superupload.Event) {
	for e := range events {
		if e.Type != superupload.EventPartDone {
			continue
		}
		p := e.Progress
		u.logger.Printf("%s: %d/%d parts, %s of %s (%.1f%%)", job.key, p.DoneParts, p.TotalParts,
			units.BytesSize(float64(p.UploadedBytes)), units.BytesSize(float64(p.TotalBytes)), p.Percent())
	}
}

// expandPaths resolves the path arguments to files and their object keys.
func expandPaths(paths []string, prefix string, logger log.Logger) ([]uploadJob, error) {
	var jobs []uploadJob
	seen := map[string]bool{}

	add := func(file, key string) {
		if seen[file] {
			return
		}
		seen[file] = true
		jobs = append(jobs, uploadJob{path: file, key: path.Join(prefix, filepath.ToSlash(key))})
	}

	for _, p := range paths {
		if !strings.ContainsAny(p, "*?[{") {
			info, err := os.Stat(p)
			if err != nil {
				return nil, err
			}
			if info.IsDir() {
				return nil, fmt.Errorf("%s is a directory, use a pattern like %s", p, filepath.Join(p, "**", "*"))
			}
			add(p, filepath.Base(p))
			continue
		}

		base, pattern := doublestar.SplitPattern(filepath.ToSlash(p))
		matches, err := doublestar.Glob(os.DirFS(base), pattern, doublestar.WithFilesOnly(), doublestar.WithNoFollow())
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %s: %w", p, err)
		}
		if len(matches) == 0 {
			logger.Warnf("No match for path pattern: %s", p)
			continue
		}

		for _, match := range matches {
			add(filepath.Join(base, filepath.FromSlash(match)), match)
		}
	}

	return jobs, nil
}
