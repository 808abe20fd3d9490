// SPDX-FileCopyrightText: Copyright 2026 Relaymesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package app provides the authd command-line application.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/relaymesh/authd/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "authd",
	DisableAutoGenTag: true,
	Short:             "Authorization and token lifecycle engine",
	Long: `authd is the authorization core for a federated messaging deployment.
It tracks OAuth 2.0 grants through their state machine, issues and
validates signed access tokens and rotating refresh tokens, records
sessions and consent, resolves upstream identities into local users,
and enforces policy checkpoints through an embedded decision point.`,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.Initialize()
	},
}

// NewRootCmd creates the root command for the authd CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorf("Error binding config flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())

	rootCmd.SilenceUsage = true
	return rootCmd
}
