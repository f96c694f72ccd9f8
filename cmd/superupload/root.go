package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/objstore-io/go-superupload/bos"
	"github.com/objstore-io/go-superupload/multipart"
	"github.com/objstore-io/go-superupload/transport/miniotransport"
	"github.com/objstore-io/go-superupload/transport/s3transport"
	"github.com/spf13/cobra"
)

// Environment variables read for flag defaults.
const (
	backendEnvKey         = "SUPERUPLOAD_BACKEND"
	endpointEnvKey        = "BOS_ENDPOINT"
	accessKeyIDEnvKey     = "BOS_ACCESS_KEY_ID"
	secretAccessKeyEnvKey = "BOS_SECRET_ACCESS_KEY"
	sessionTokenEnvKey    = "BOS_SESSION_TOKEN"
	regionEnvKey          = "AWS_REGION"
	insecureEnvKey        = "SUPERUPLOAD_INSECURE"
)

const (
	backendBOS   = "bos"
	backendS3    = "s3"
	backendMinio = "minio"
)

type globalOptions struct {
	backend         string
	endpoint        string
	accessKeyID     string
	secretAccessKey string
	sessionToken    string
	region          string
	insecure        bool
	debug           bool
}

type transportFactory func(ctx context.Context, opts globalOptions, logger log.Logger) (multipart.Transport, error)

func newRootCmd(envRepo env.Repository, logger log.Logger, factory transportFactory) *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:   "superupload",
		Short: "Resumable multipart uploads to object storage",
		Long: `Upload large files as concurrent multipart uploads that can be
paused, retried and resumed by upload id. Works with BOS natively and with
S3 compatible services through the AWS SDK or minio-go.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger.EnableDebugLog(opts.debug)
			switch opts.backend {
			case backendBOS, backendS3, backendMinio:
				return nil
			}
			return fmt.Errorf("unknown backend %q, use one of %s, %s, %s", opts.backend, backendBOS, backendS3, backendMinio)
		},
	}

	backend := envRepo.Get(backendEnvKey)
	if backend == "" {
		backend = backendBOS
	}
	insecure, _ := strconv.ParseBool(envRepo.Get(insecureEnvKey))

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.backend, "backend", backend, "storage backend: bos, s3 or minio ($"+backendEnvKey+")")
	flags.StringVar(&opts.endpoint, "endpoint", envRepo.Get(endpointEnvKey), "service endpoint ($"+endpointEnvKey+")")
	flags.StringVar(&opts.accessKeyID, "access-key-id", envRepo.Get(accessKeyIDEnvKey), "access key id ($"+accessKeyIDEnvKey+")")
	flags.StringVar(&opts.secretAccessKey, "secret-access-key", envRepo.Get(secretAccessKeyEnvKey), "secret access key ($"+secretAccessKeyEnvKey+")")
	flags.StringVar(&opts.sessionToken, "session-token", envRepo.Get(sessionTokenEnvKey), "session token of temporary credentials ($"+sessionTokenEnvKey+")")
	flags.StringVar(&opts.region, "region", envRepo.Get(regionEnvKey), "region, for the s3 and minio backends ($"+regionEnvKey+")")
	flags.BoolVar(&opts.insecure, "insecure", insecure, "use plain HTTP with the minio backend ($"+insecureEnvKey+")")
	flags.BoolVar(&opts.debug, "debug", false, "enable debug logs")

	cmd.AddCommand(
		newUploadCmd(opts, logger, factory),
		newPartsCmd(opts, logger, factory),
		newAbortCmd(opts, logger, factory),
	)
	return cmd
}

func newTransport(ctx context.Context, opts globalOptions, logger log.Logger) (multipart.Transport, error) {
	switch opts.backend {
	case backendBOS:
		return bos.New(bos.Config{
			Endpoint: opts.endpoint,
			Credentials: bos.Credentials{
				AccessKeyID:     opts.accessKeyID,
				SecretAccessKey: bos.Secret(opts.secretAccessKey),
			},
			SessionToken: opts.sessionToken,
		}, logger)
	case backendS3:
		return s3transport.New(ctx, s3transport.Params{
			Region:          opts.region,
			Endpoint:        opts.endpoint,
			UsePathStyle:    opts.endpoint != "",
			AccessKeyID:     opts.accessKeyID,
			SecretAccessKey: opts.secretAccessKey,
			SessionToken:    opts.sessionToken,
		}, logger)
	case backendMinio:
		return miniotransport.New(miniotransport.Params{
			Endpoint:        opts.endpoint,
			Secure:          !opts.insecure,
			Region:          opts.region,
			AccessKeyID:     opts.accessKeyID,
			SecretAccessKey: opts.secretAccessKey,
			SessionToken:    opts.sessionToken,
		}, logger)
	}
	return nil, fmt.Errorf("unknown backend %q", opts.backend)
}
