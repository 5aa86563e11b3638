// Copyright 2026 The Counterline Authors
// SPDX-License-Identifier: Apache-2.0

// Counterline-viewer attaches to a running simulation through the
// director's control socket (or a TCP bridge) and either watches
// snapshots refresh in place or sends a single steering command:
//
//	counterline-viewer                        # watch the local run
//	counterline-viewer --connect host:7311    # watch through a bridge
//	counterline-viewer pause                  # steer the run
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/queueworks/counterline/lib/backoff"
	"github.com/queueworks/counterline/lib/process"
	"github.com/queueworks/counterline/lib/schema"
	"github.com/queueworks/counterline/lib/version"
)

// clearScreen repositions the cursor and wipes the terminal between
// snapshot frames.
const clearScreen = "\033[H\033[2J"

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		connectAddr string
		interval    time.Duration
		once        bool
		showVersion bool
	)
	pflag.StringVar(&connectAddr, "connect", "/run/counterline/control.sock",
		"control endpoint: a Unix socket path or a host:port of a bridge")
	pflag.DurationVar(&interval, "interval", time.Second, "snapshot refresh interval")
	pflag.BoolVar(&once, "once", false, "print one snapshot and exit")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		fmt.Printf("counterline-viewer %s\n", version.Info())
		return nil
	}

	if pflag.NArg() > 0 {
		return steer(connectAddr, pflag.Arg(0))
	}
	return watch(connectAddr, interval, once)
}

// steer sends one command verb and reports the director's answer.
func steer(address, verb string) error {
	switch verb {
	case schema.CommandPause, schema.CommandResume, schema.CommandStop:
	default:
		return fmt.Errorf("unknown command %q (want pause, resume, or stop)", verb)
	}

	c, err := dial(address)
	if err != nil {
		return err
	}
	defer c.close()

	result, err := c.command(verb)
	if err != nil {
		return err
	}
	if !result.OK {
		return fmt.Errorf("%s refused: %s", verb, result.Error)
	}
	fmt.Printf("%s acknowledged by run %s\n", verb, shortRunID(c.hello.RunID))
	return nil
}

// watch renders snapshots until interrupted, reconnecting with backoff
// when the endpoint goes away (director restart, bridge restart).
func watch(address string, interval time.Duration, once bool) error {
	retry, err := backoff.New(250*time.Millisecond, 10*time.Second, 20)
	if err != nil {
		return err
	}

	for {
		c, err := dial(address)
		if err != nil {
			if once {
				return err
			}
			delay := retry.NextDelay()
			fmt.Fprintf(os.Stderr, "connect failed (%v), retrying in %s\n", err, delay.Truncate(time.Millisecond))
			time.Sleep(delay)
			continue
		}
		retry.Reset()

		err = watchSession(c, interval, once)
		c.close()
		if err == nil {
			return nil
		}
		if once {
			return err
		}
		fmt.Fprintf(os.Stderr, "session lost (%v), reconnecting\n", err)
	}
}

// watchSession runs the refresh loop on one connection until it fails.
func watchSession(c *client, interval time.Duration, once bool) error {
	for {
		snapshot, err := c.snapshot()
		if err != nil {
			return err
		}
		if once {
			fmt.Print(renderSnapshot(c.hello, snapshot))
			return nil
		}
		fmt.Print(clearScreen)
		fmt.Print(renderSnapshot(c.hello, snapshot))
		time.Sleep(interval)
	}
}
