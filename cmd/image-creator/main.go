// Copyright 2025 AUTHORS
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

package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/offspot/image-creator/internal/buildctx"
	"github.com/offspot/image-creator/internal/builder"
	"github.com/offspot/image-creator/internal/errs"
	"github.com/offspot/image-creator/internal/logging"
	"github.com/offspot/image-creator/internal/toolutil"
)

func versionCommit() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	var commit string
	var dirty bool
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			commit = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if commit == "" {
		return "dev"
	}
	if len(commit) >= 9 {
		commit = commit[:9]
	}
	if dirty {
		commit += "+dirty"
	}
	return commit
}

func newRootCmd() *cobra.Command {
	var opts buildctx.Options

	cmd := &cobra.Command{
		Use:           "image-creator CONFIG_SRC OUTPUT",
		Short:         "Build a bootable disk image from a recipe",
		Args:          cobra.ExactArgs(2),
		Version:       versionCommit(),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ConfigSrc = args[0]
			opts.Output = args[1]
			return runBuild(cmd.Context(), opts)
		},
	}
	cmd.SetVersionTemplate("{{.Version}}\n")

	flags := cmd.Flags()
	flags.StringVar(&opts.BuildDir, "build-dir", "", "Directory for intermediate build artifacts (default: under TMPDIR)")
	flags.StringVar(&opts.CacheDir, "cache-dir", "", "Directory for the download cache")
	flags.BoolVarP(&opts.Check, "check", "C", false, "Validate the recipe and check source reachability without building")
	flags.BoolVarP(&opts.Keep, "keep", "K", false, "Keep the build directory and output file on failure")
	flags.BoolVarP(&opts.Overwrite, "overwrite", "X", false, "Overwrite an existing output file")
	flags.BoolVarP(&opts.Debug, "debug", "D", false, "Verbose logging, including captured subprocess stderr")

	return cmd
}

func runBuild(ctx context.Context, opts buildctx.Options) error {
	log := logging.New(opts.Debug)

	if opts.CacheDir == "" {
		return errs.New(errs.InputError, "main", fmt.Errorf("--cache-dir is required"))
	}

	if missing := toolutil.MissingTools(toolutil.Required); len(missing) > 0 {
		return errs.New(errs.ToolError, "main", fmt.Errorf("missing required tools: %v", missing))
	}

	cc, err := buildctx.New(opts)
	if err != nil {
		return errs.New(errs.InputError, "main", err)
	}

	progress := func(done, total int64) {
		if total > 0 {
			log.Printf("progress: %d/%d bytes", done, total)
		}
	}

	res, err := builder.Run(ctx, cc, progress)
	if err != nil {
		return err
	}
	if opts.Check {
		log.Printf("recipe OK")
		return nil
	}
	log.Printf("wrote %s (%d bytes)", res.OutputPath, res.BytesWritten)
	return nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		if ctx.Err() != nil {
			fmt.Fprintln(os.Stderr, "cancelled")
			os.Exit(errs.Cancelled.ExitCode())
		}

		kind := errs.KindOf(err)
		msg := err.Error()
		var e *errs.Error
		if debugOn, _ := root.Flags().GetBool("debug"); debugOn && stderrors.As(err, &e) && e.Stderr != "" {
			msg += "\n" + e.Stderr
		}
		fmt.Fprintln(os.Stderr, msg)
		os.Exit(kind.ExitCode())
	}
}
