// Copyright 2026 The Replikit Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Command syncengine hosts a single synchronization engine (spec.md
// §4.10, §6) behind a newline-delimited JSON request/response protocol
// on stdin/stdout, for embedding inside a host process that speaks the
// init/exec/sync/sync-sequences/diagnostic/close message set.
//
// Grounded on internal/source/server/config.go's pflag-bound
// Config/Bind/Preflight shape; this command only needs a log-level
// flag since all engine configuration arrives over the protocol via
// the "init" message (spec.md §6 "Configuration: environment-free").
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/replikit/syncengine/internal/engine"
)

// Config is this command's own flag surface. It intentionally does
// not implement anything resembling logical.Config: the engine it
// hosts takes its configuration over the wire protocol, not from
// process flags or environment, per spec.md §6.
type Config struct {
	LogLevel      string
	RequestBudget time.Duration
}

// Bind registers the command's flags.
func (c *Config) Bind(flags *pflag.FlagSet) {
	flags.StringVar(&c.LogLevel, "logLevel", "info",
		"logging verbosity: trace, debug, info, warn, error")
	flags.DurationVar(&c.RequestBudget, "requestTimeout", 30*time.Second,
		"maximum time to wait for a single request's reply before abandoning it")
}

// Preflight validates the configuration.
func (c *Config) Preflight() error {
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(err, "logLevel")
	}
	if c.RequestBudget <= 0 {
		return errors.New("requestTimeout must be positive")
	}
	return nil
}

func main() {
	cfg := &Config{}
	cfg.Bind(pflag.CommandLine)
	pflag.Parse()

	if err := cfg.Preflight(); err != nil {
		fmt.Fprintln(os.Stderr, "syncengine:", err)
		os.Exit(1)
	}

	level, _ := log.ParseLevel(cfg.LogLevel)
	log.SetLevel(level)
	log.SetOutput(os.Stderr)

	if err := serve(cfg, os.Stdin, os.Stdout); err != nil && !errors.Is(err, io.EOF) {
		log.WithError(err).Error("syncengine exited with error")
		os.Exit(1)
	}
}

// serve runs the newline-delimited JSON protocol loop: each line in
// is one request, each line out is its response, in request order,
// since the engine itself dispatches to a single worker goroutine
// (spec.md §5).
func serve(cfg *Config, in io.Reader, out io.Writer) error {
	e := engine.New()
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	writer := bufio.NewWriter(out)
	defer writer.Flush()

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		req, err := engine.DecodeRequest(line)
		if err != nil {
			log.WithError(err).Warn("malformed request line, skipping")
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestBudget)
		resp := e.Submit(ctx, req)
		cancel()

		encoded, err := engine.EncodeResponse(resp)
		if err != nil {
			log.WithError(err).Error("failed to encode response")
			continue
		}
		if _, err := writer.Write(encoded); err != nil {
			return errors.Wrap(err, "writing response")
		}
		if _, err := writer.Write([]byte("\n")); err != nil {
			return errors.Wrap(err, "writing response")
		}
		if err := writer.Flush(); err != nil {
			return errors.Wrap(err, "flushing response")
		}

		if req.Kind == engine.KindClose {
			return nil
		}
	}
	return scanner.Err()
}
