// Command superupload uploads large files to BOS or S3 compatible object storage
// as resumable multipart uploads.
package main

import (
	"os"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

func main() {
	logger := log.NewLogger()
	cmd := newRootCmd(env.NewRepository(), logger, newTransport)
	if err := cmd.Execute(); err != nil {
		logger.Errorf("%s", err)
		os.Exit(1)
	}
}
