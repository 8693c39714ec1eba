package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/GriffinCanCode/simlab/backend/internal/infrastructure/logging"
	"github.com/GriffinCanCode/simlab/backend/internal/sandbox"
	"github.com/GriffinCanCode/simlab/backend/internal/shared/types"
	"github.com/GriffinCanCode/simlab/backend/internal/shared/utils"
	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
)

// errSimulationFailed marks a render whose script failed inside the sandbox.
var errSimulationFailed = errors.New("simulation failed")

func newRenderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "render [artifact.json]",
		Short: "Run an artifact offline in the sandbox and print its snapshot",
		Long: `Mount an artifact in a local sandbox, let it settle and print the
resulting snapshot (console, draw calls, pending handles, error).

The artifact is a JSON object {"markup", "script", "explanation"}, read
from the named file or stdin ("-"). --markup and --script read the parts
from separate files instead. --document prints the standalone sandboxed
page instead of the snapshot.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			art, err := readArtifact(cmd, args)
			if err != nil {
				return err
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			sbx := sandbox.DefaultConfig()
			sbx.ScriptBudget = cfg.Sandbox.ScriptBudget
			sbx.FrameInterval = cfg.Sandbox.FrameInterval
			if cfg.Sandbox.MaxConsoleEntries > 0 {
				sbx.MaxConsoleEntries = cfg.Sandbox.MaxConsoleEntries
			}
			if budget, _ := cmd.Flags().GetDuration("budget"); budget > 0 {
				sbx.ScriptBudget = budget
			}

			logger := logging.NewNop()
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				logger = logging.NewDevelopment()
			}
			runFor, _ := cmd.Flags().GetDuration("run-for")
			document, _ := cmd.Flags().GetBool("document")

			return render(commandContext(cmd), cmd.OutOrStdout(), art, renderOptions{
				sandbox:  sbx,
				runFor:   runFor,
				document: document,
				logger:   logger,
			})
		},
	}

	cmd.Flags().String("markup", "", "Read markup from this file")
	cmd.Flags().String("script", "", "Read script from this file")
	cmd.Flags().Duration("run-for", 0, "Keep timers and frames running this long after load")
	cmd.Flags().Duration("budget", 0, "Script execution budget (overrides config)")
	cmd.Flags().Bool("document", false, "Print the standalone sandboxed document")
	cmd.Flags().BoolP("verbose", "v", false, "Log sandbox activity to stdout")
	return cmd
}

type renderOptions struct {
	sandbox  sandbox.Config
	runFor   time.Duration
	document bool
	logger   *logging.Logger
}

func render(ctx context.Context, out io.Writer, art types.Artifact, opts renderOptions) error {
	r := sandbox.NewRenderer(opts.sandbox, sandbox.Options{Logger: opts.logger.Component("sandbox")})
	defer r.Close()

	var rejected *sandbox.RuntimeError
	if err := r.Render(ctx, art); err != nil && !errors.As(err, &rejected) {
		return fmt.Errorf("render: %w", err)
	}
	if err := r.Settle(ctx); err != nil {
		return fmt.Errorf("settle: %w", err)
	}
	if opts.runFor > 0 {
		select {
		case <-time.After(opts.runFor):
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := r.Settle(ctx); err != nil {
			return fmt.Errorf("settle: %w", err)
		}
	}

	if opts.document {
		doc, err := r.Document()
		if err != nil {
			return err
		}
		_, err = io.WriteString(out, doc)
		return err
	}

	snap := r.Snapshot()
	data, err := sonic.ConfigStd.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	fmt.Fprintln(out, string(data))

	if snap.Error != nil {
		return fmt.Errorf("%w: %s", errSimulationFailed, snap.Error.Error())
	}
	return nil
}

func readArtifact(cmd *cobra.Command, args []string) (types.Artifact, error) {
	var art types.Artifact

	if len(args) == 1 {
		data, err := readSource(cmd, args[0])
		if err != nil {
			return art, err
		}
		if err := sonic.Unmarshal(data, &art); err != nil {
			return art, fmt.Errorf("failed to parse artifact: %w", err)
		}
	}

	for flag, dst := range map[string]*string{"markup": &art.Markup, "script": &art.Script} {
		path, _ := cmd.Flags().GetString(flag)
		if path == "" {
			continue
		}
		data, err := readSource(cmd, path)
		if err != nil {
			return art, err
		}
		*dst = string(data)
	}

	if art.Markup == "" && art.Script == "" {
		return art, errors.New("no artifact given: pass a JSON file or --markup and --script")
	}
	if art.Size() > utils.MaxArtifactSize {
		return art, fmt.Errorf("artifact exceeds %d bytes", utils.MaxArtifactSize)
	}
	return art, nil
}

func readSource(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(io.LimitReader(cmd.InOrStdin(), utils.MaxArtifactSize+1))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}
