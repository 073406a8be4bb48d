// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// The outpost CLI: session management, prompting, and event streaming
// against a running daemon, plus offline orphan reconciliation.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
)

const defaultSocket = "/run/outpost/daemon.sock"

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: outpost [flags] <command> [args]

Commands:
  list                    list sessions
  create                  create a session
  delete <id>             delete a session
  state <id>              show session state
  history <id>            print journaled events
  prompt <id> <text>      send a prompt and stream the turn
  attach <id>             stream session events
  abort <id>              abort the running turn
  models                  list available models
  set-model <id> <model>  switch a session's model
  reconcile               find and remove orphaned sandbox resources
  purge <id>              hard-delete a deleted session and its events

Flags:
`)
	pflag.PrintDefaults()
}

func main() {
	socket := pflag.String("socket", defaultSocket, "daemon socket path")
	pflag.Usage = usage
	pflag.Parse()

	args := pflag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	command, args := args[0], args[1:]
	var err error
	switch command {
	case "list":
		err = runList(*socket, args)
	case "create":
		err = runCreate(*socket, args)
	case "delete":
		err = runDelete(*socket, args)
	case "state":
		err = runState(*socket, args)
	case "history":
		err = runHistory(*socket, args)
	case "prompt":
		err = runPrompt(*socket, args)
	case "attach":
		err = runAttach(*socket, args)
	case "abort":
		err = runAbort(*socket, args)
	case "models":
		err = runModels(*socket, args)
	case "set-model":
		err = runSetModel(*socket, args)
	case "reconcile":
		err = runReconcile(args)
	case "purge":
		err = runPurge(args)
	default:
		fmt.Fprintf(os.Stderr, "outpost: unknown command %q\n", command)
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "outpost: %v\n", err)
		os.Exit(1)
	}
}
