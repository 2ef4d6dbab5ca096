// Copyright © 2019 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package cmd

import (
	"github.com/apex/log"
	"github.com/spf13/cobra"
)

// Set at build time with -ldflags
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		ctx.WithFields(log.Fields{
			"Version":   Version,
			"Commit":    GitCommit,
			"BuildDate": BuildDate,
		}).Info("telemetry-client")
	},
}

func init() {
	TelemetryCmd.AddCommand(versionCmd)
}
