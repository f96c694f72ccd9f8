package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/objstore-io/go-superupload/multipart"
	"github.com/spf13/cobra"
)

func newPartsCmd(global *globalOptions, logger log.Logger, factory transportFactory) *cobra.Command {
	var pageSize int

	cmd := &cobra.Command{
		Use:   "parts <bucket> <object> <upload-id>",
		Short: "List the parts stored for an in-flight upload",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			transport, err := factory(cmd.Context(), *global, logger)
			if err != nil {
				return fmt.Errorf("create %s transport: %w", global.backend, err)
			}

			parts, err := multipart.ListAllParts(cmd.Context(), transport, multipart.ListPartsInput{
				Bucket:   args[0],
				Object:   args[1],
				UploadID: args[2],
				MaxParts: pageSize,
			})
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PART\tSIZE\tETAG\tLAST MODIFIED")
			var total int64
			for _, part := range parts {
				total += part.Size
				lastModified := ""
				if !part.LastModified.IsZero() {
					lastModified = part.LastModified.UTC().Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", part.PartNumber, units.BytesSize(float64(part.Size)), part.ETag, lastModified)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			logger.Infof("%d part(s), %s uploaded", len(parts), units.BytesSize(float64(total)))
			return nil
		},
	}

	cmd.Flags().IntVar(&pageSize, "page-size", multipart.DefaultMaxParts, "parts requested per list call")
	return cmd
}
