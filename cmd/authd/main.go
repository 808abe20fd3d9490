// SPDX-FileCopyrightText: Copyright 2026 Relaymesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the authd authorization server.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/relaymesh/authd/cmd/authd/app"
	"github.com/relaymesh/authd/pkg/logger"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	if err := app.NewRootCmd().ExecuteContext(ctx); err != nil {
		logger.Errorf("Error executing command: %v", err)
		os.Exit(1)
	}
}
