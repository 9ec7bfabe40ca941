// Copyright © 2020 Elias Norberg
// Licensed under the GPLv3 or later.
// See COPYING at the root of the repository for details.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/yzzyx/nm-jmap-sync/internal/config"
	"github.com/yzzyx/nm-jmap-sync/internal/index"
	"github.com/yzzyx/nm-jmap-sync/internal/jmapclient"
	"github.com/yzzyx/nm-jmap-sync/internal/statestore"
	"github.com/yzzyx/nm-jmap-sync/internal/store"
	"github.com/yzzyx/nm-jmap-sync/internal/syncengine"
)

// Exit codes: 0 success, 1 generic failure, 2 config error,
// 3 lock already held, 4 network/server error.
const (
	exitOK            = 0
	exitGeneric       = 1
	exitConfig        = 2
	exitLockHeld      = 3
	exitNetworkServer = 4
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitGeneric
	}

	switch args[0] {
	case "sync":
		return runSync(args[1:])
	case "push":
		return runPush(args[1:])
	case "send":
		return runSend(args[1:])
	case "-h", "--help", "help":
		usage()
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "nm-jmap-sync: unknown subcommand %q\n", args[0])
		usage()
		return exitGeneric
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: nm-jmap-sync <sync|push|send> [flags]

  sync   pull remote changes, merge, push local changes, apply
  push   push local changes only, without pulling first
  send   read an RFC 5322 message from stdin and submit it for delivery

Common flags:
  -C dir        maildir to operate on (default ".")
  --dry-run     sync only: stop before PUSH, make no network writes or local mutations
  --help        show this message`)
}

func runSync(args []string) int {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	dir := fs.String("C", ".", "maildir to operate on")
	dryRun := fs.Bool("dry-run", false, "stop before PUSH; make no network writes or local mutations")
	if err := fs.Parse(args); err != nil {
		return exitGeneric
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)

	eng, cleanup, code := bootstrap(*dir, logger)
	if eng == nil {
		return code
	}
	defer cleanup()

	ctx := context.Background()
	result, err := eng.Run(ctx, *dryRun)
	if err != nil {
		return exitForError(err, logger)
	}

	if *dryRun {
		logger.Printf("dry-run complete: jmap_state=%s", result.JMAPState)
		return exitOK
	}

	logger.Printf("sync complete: %d created, %d updated, %d destroyed, %d Email/set calls, %d rejected",
		result.Created, result.Updated, result.Destroyed, result.EmailSetCalls, len(result.RejectedMessages))
	if len(result.RejectedMessages) > 0 {
		return exitNetworkServer
	}
	return exitOK
}

func runPush(args []string) int {
	fs := flag.NewFlagSet("push", flag.ContinueOnError)
	dir := fs.String("C", ".", "maildir to operate on")
	if err := fs.Parse(args); err != nil {
		return exitGeneric
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)

	eng, cleanup, code := bootstrap(*dir, logger)
	if eng == nil {
		return code
	}
	defer cleanup()

	result, err := eng.RunPushOnly(context.Background())
	if err != nil {
		return exitForError(err, logger)
	}

	logger.Printf("push complete: %d updated, %d Email/set calls, %d rejected",
		result.Updated, result.EmailSetCalls, len(result.RejectedMessages))
	if len(result.RejectedMessages) > 0 {
		return exitNetworkServer
	}
	return exitOK
}

func runSend(args []string) int {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	dir := fs.String("C", ".", "maildir to read mujmap.toml from")
	if err := fs.Parse(args); err != nil {
		return exitGeneric
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)

	cfg, err := config.Load(*dir)
	if err != nil {
		logger.Print(err)
		return exitConfig
	}

	credential, err := cfg.Password()
	if err != nil {
		logger.Print(err)
		return exitConfig
	}

	client, err := jmapclient.Dial(cfg, credential, cfg.BearerToken)
	if err != nil {
		return exitForError(err, logger)
	}

	if err := client.Submit(context.Background(), os.Stdin); err != nil {
		return exitForError(err, logger)
	}
	return exitOK
}

// bootstrap loads config, dials JMAP, opens the index and cache/maildir
// store, and assembles an Engine. On failure it logs and returns the
// exit code main should use; the caller must still invoke the returned
// cleanup func when eng is non-nil.
func bootstrap(dir string, logger *log.Logger) (eng *syncengine.Engine, cleanup func(), code int) {
	cfg, err := config.Load(dir)
	if err != nil {
		logger.Print(err)
		return nil, nil, exitConfig
	}

	credential, err := cfg.Password()
	if err != nil {
		logger.Print(err)
		return nil, nil, exitConfig
	}

	client, err := jmapclient.Dial(cfg, credential, cfg.BearerToken)
	if err != nil {
		return nil, nil, exitForError(err, logger)
	}

	idx, err := index.Open(cfg.MailDir)
	if err != nil {
		return nil, nil, exitForError(err, logger)
	}

	st, err := store.New(cfg.CacheDir, cfg.MailDir)
	if err != nil {
		logger.Print(err)
		return nil, nil, exitGeneric
	}

	return syncengine.New(cfg, client, idx, st, logger), func() {}, exitOK
}

// exitForError maps a typed error to its CLI exit code, logging it
// along the way. Unrecognized errors fall back to the generic code.
func exitForError(err error, logger *log.Logger) int {
	logger.Print(err)

	var configErr *config.Error
	var lockErr *statestore.LockHeldError
	var authErr *jmapclient.AuthError
	var transportErr *jmapclient.TransportError
	var stateExpiredErr *jmapclient.StateExpiredError
	var indexErr *index.Error

	switch {
	case errors.As(err, &configErr):
		return exitConfig
	case errors.As(err, &lockErr):
		return exitLockHeld
	case errors.As(err, &authErr), errors.As(err, &transportErr), errors.As(err, &stateExpiredErr):
		return exitNetworkServer
	case errors.As(err, &indexErr):
		return exitGeneric
	default:
		return exitGeneric
	}
}
