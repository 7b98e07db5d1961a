/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2026 acorn-os authors
 */
package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/acorn-os/acorn/pkg/elog"
)

var log elog.View

var (
	flagJSON    bool
	flagVerbose bool
	flagDebug   bool
	flagSource  string
	flagTarget  string
)

func addPackFlags(f *pflag.FlagSet) {
	f.StringVarP(&flagSource, "source", "s", "", "directory listing the programs to pack (with trailing slash)")
	f.StringVarP(&flagTarget, "target", "t", "", "directory holding the built binaries; receives fs.img (with trailing slash)")
}

func commandInit() {

	addPackFlags(rootCmd.Flags())
	_ = rootCmd.MarkFlagRequired("source")
	_ = rootCmd.MarkFlagRequired("target")

	// setup logging across all commands
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "enable debug output")
	rootCmd.PersistentFlags().BoolVarP(&flagJSON, "json", "j", false, "enable json output")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {

		logger := &elog.CLI{}

		if flagJSON {
			logger.DisableTTY = true
			logrus.SetFormatter(&logrus.JSONFormatter{})
		} else {
			logrus.SetFormatter(logger)
		}

		logrus.SetLevel(logrus.TraceLevel)

		if flagDebug {
			logger.IsDebug = true
			logger.IsVerbose = true
		} else if flagVerbose {
			logger.IsVerbose = true
		}

		log = logger
		return nil
	}
}

var rootCmd = &cobra.Command{
	Use:   "packer --source SOURCE/ --target TARGET/",
	Short: "Build a filesystem image populated with user programs",
	Long: `Packer creates an acorn filesystem image at TARGET/fs.img, formats it and
copies every program listed in SOURCE into the image's /bin directory. The
program bytes are read from the built binaries in TARGET.`,
	Version: fmt.Sprintf("%s - %s - %s", release, commit, date),
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		err := pack(log, flagSource, flagTarget)
		if err != nil {
			log.Errorf("%v", err)
		}
		return err
	},
}
