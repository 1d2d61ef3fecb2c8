// Command rowflow runs a configured sweep of a source table across one or
// more cooperating ranks, dispatching row ranges to the stages named in
// the configuration document. See workflow/config.go for the document
// shape.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/rowflow/container"
	"github.com/grailbio/rowflow/modules"
	"github.com/grailbio/rowflow/substrate"
	"github.com/grailbio/rowflow/workflow"
	"v.io/x/lib/vlog"
)

var (
	configPath = flag.String("c", "", "Path to the workflow configuration document")
	outputPath = flag.String("o", "", "Container directory to write stage output into")
	inputPath  = flag.String("i", "", "Container directory holding the source dataset, if different from -o")
	startRow   = flag.Int64("s", 0, "First row of the source table to sweep (default 0)")
	endRow     = flag.Int64("e", 0, "Row past the last one to sweep (default: the source table's current length)")

	// verbose/veryVerbose are only registered if nothing else has already
	// claimed these flag names; v.io/x/lib/vlog registers its own "-v"
	// level flag on import, so on the (likely) systems where it has, we
	// fall back to leaving rowflow's own log level at its default rather
	// than panicking on a duplicate flag registration.
	verbose     *bool
	veryVerbose *bool
)

func init() {
	if flag.Lookup("v") == nil {
		verbose = flag.Bool("v", false, "Set log level to Info")
	}
	if flag.Lookup("vv") == nil {
		veryVerbose = flag.Bool("vv", false, "Set log level to Debug")
	}
}

func main() {
	shutdown := grail.Init()
	defer shutdown()

	os.Exit(run())
}

// run parses flags, binds and executes one workflow run, and returns the
// process exit code per the error taxonomy in workflow/errors.go and
// container/errors.go: ConfigurationError -> 1, IOError/
// AlreadyExistsWithDifferentType/OutOfSpace -> 2, everything else
// (StageError, TerminationError, and anything unrecognized) -> 3.
func run() int {
	setVerbosity()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "rowflow: -c CONFIG is required")
		return 1
	}
	if *outputPath == "" && *inputPath == "" {
		fmt.Fprintln(os.Stderr, "rowflow: -o OUTPUT is required")
		return 1
	}
	containerPath := *outputPath
	if containerPath == "" {
		containerPath = *inputPath
	} else if *inputPath != "" && *inputPath != *outputPath {
		// container.Container is a single on-disk store that accumulates
		// both source and stage-written datasets in place; there is no
		// read-from-one/write-to-another split to wire -i and -o against
		// two different directories.
		fmt.Fprintf(os.Stderr, "rowflow: -i %q and -o %q must name the same container directory\n", *inputPath, *outputPath)
		return 1
	}

	if cfg, ok := substrate.ConfigFromEnv(); ok {
		sub, err := substrate.NewNATS(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "rowflow: %v\n", err)
			return 2
		}
		substrate.Init(sub)
	}

	ctx := vcontext.Background()
	err := runWorkflow(ctx, containerPath)
	if err == nil {
		log.Info.Printf("rowflow: done")
		return 0
	}
	return exitCode(err)
}

func runWorkflow(ctx context.Context, containerPath string) error {
	doc, err := workflow.LoadDocument(ctx, *configPath)
	if err != nil {
		return err
	}

	c, err := container.Open(ctx, containerPath)
	if err != nil {
		return err
	}

	registry := workflow.NewRegistry()
	modules.RegisterBuiltins(registry, c)

	m, err := workflow.Bind(ctx, doc, registry, c, *startRow, *endRow, 0)
	if err != nil {
		return err
	}
	return m.Run(ctx)
}

func setVerbosity() {
	switch {
	case veryVerbose != nil && *veryVerbose:
		log.SetLevel(log.Debug)
		vlog.Log.Configure(vlog.Level(2))
	case verbose != nil && *verbose:
		log.SetLevel(log.Info)
		vlog.Log.Configure(vlog.Level(1))
	}
}

func exitCode(err error) int {
	var cfgErr *workflow.ConfigurationError
	if errors.As(err, &cfgErr) {
		return 1
	}
	if errors.Is(err, container.ErrAlreadyExistsWithDifferentType) || errors.Is(err, container.ErrOutOfSpace) {
		return 2
	}
	var ioErr *container.IOError
	if errors.As(err, &ioErr) {
		return 2
	}
	fmt.Fprintf(os.Stderr, "rowflow: %v\n", err)
	return 3
}
