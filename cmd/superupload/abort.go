package main

import (
	"fmt"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/spf13/cobra"
)

func newAbortCmd(global *globalOptions, logger log.Logger, factory transportFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "abort <bucket> <object> <upload-id>",
		Short: "Abort an upload and delete its parts",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			transport, err := factory(cmd.Context(), *global, logger)
			if err != nil {
				return fmt.Errorf("create %s transport: %w", global.backend, err)
			}

			if err := transport.AbortMultipartUpload(cmd.Context(), args[0], args[1], args[2]); err != nil {
				return fmt.Errorf("abort upload %s: %w", args[2], err)
			}
			logger.Donef("Upload %s of %s/%s aborted", args[2], args[0], args[1])
			return nil
		},
	}
}
