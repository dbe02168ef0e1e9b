package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/ariaaba/ariasync/internal/app"
	"github.com/ariaaba/ariasync/internal/legacy"
	"github.com/ariaaba/ariasync/internal/safestore"
	"github.com/ariaaba/ariasync/internal/steps"
	"github.com/ariaaba/ariasync/internal/stepstore"
	"github.com/ariaaba/ariasync/internal/stepsync"
	"github.com/ariaaba/ariasync/internal/textgen"
)

func newSweepCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Normalize local data written by older wizard versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			report := a.Sweeper.Run()
			printReport(cmd.OutOrStdout(), report)
			return report.Err
		},
	}
}

func printReport(out io.Writer, report legacy.Report) {
	if report.Skipped {
		fmt.Fprintln(out, "sweep already ran in this session")
		return
	}
	if report.Changes() == 0 {
		fmt.Fprintln(out, "no legacy data found")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ACTION\tKEY")
	for _, key := range report.Migrated {
		fmt.Fprintf(w, "migrated\t%s\n", key)
	}
	for _, key := range report.Rewritten {
		fmt.Fprintf(w, "rewritten\t%s\n", key)
	}
	for _, key := range report.Removed {
		fmt.Fprintf(w, "removed\t%s\n", key)
	}
	_ = w.Flush()
}

func newResolveCmd(opts *rootOptions) *cobra.Command {
	var evaluationType string
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve the active assessment, creating one when none is known",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			if evaluationType != "" {
				a.Session.SetEvaluationType(evaluationType)
			}
			if _, err := a.Start(cmd.Context()); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "assessment: %s\n", a.Session.AssessmentID())
			fmt.Fprintf(out, "source: %s\n", a.Session.Source())
			fmt.Fprintf(out, "evaluation type: %s\n", a.Session.EvaluationType())
			fmt.Fprintf(out, "url: %s\n", a.Session.Navigator().Current())
			return nil
		},
	}
	cmd.Flags().StringVar(&evaluationType, "evaluation-type", "", "evaluation type for a newly created assessment")
	return cmd
}

func newStepsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "steps",
		Short: "List wizard step keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "STEP\tLEGACY KEY")
			for _, key := range steps.Keys() {
				fmt.Fprintf(w, "%s\t%s\n", key, strings.Join(steps.LegacyKeys(key), ","))
			}
			return w.Flush()
		},
	}
}

func stepArg(raw string) (steps.Key, error) {
	key := steps.Key(strings.TrimSpace(raw))
	if _, ok := steps.Lookup(key); !ok {
		names := make([]string, 0, len(steps.Keys()))
		for _, k := range steps.Keys() {
			names = append(names, string(k))
		}
		return "", fmt.Errorf("unknown step %q (known: %s)", raw, strings.Join(names, ", "))
	}
	return key, nil
}

// openStep starts the app and binds a raw synchronizer for key to the
// resolved assessment.
func openStep(cmd *cobra.Command, opts *rootOptions, key steps.Key, onChange func(stepsync.Status, json.RawMessage)) (*app.App, *stepsync.Synchronizer[json.RawMessage], error) {
	a, err := opts.openApp(cmd)
	if err != nil {
		return nil, nil, err
	}
	if _, err := a.Start(cmd.Context()); err != nil {
		a.Close(context.Background())
		return nil, nil, err
	}
	s, err := app.NewSynchronizer[json.RawMessage](a, string(key), nil, onChange)
	if err != nil {
		a.Close(context.Background())
		return nil, nil, err
	}
	return a, s, nil
}

func newGetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get STEP",
		Short: "Print a step's data for the active assessment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := stepArg(args[0])
			if err != nil {
				return err
			}
			a, s, err := openStep(cmd, opts, key, nil)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())
			defer s.Close(context.Background())

			loadErr := s.Load(cmd.Context())
			if err := printJSON(cmd.OutOrStdout(), s.Value()); err != nil {
				return err
			}
			if loadErr != nil {
				return fmt.Errorf("showing cached value: %w", loadErr)
			}
			return nil
		},
	}
}

func printJSON(out io.Writer, raw json.RawMessage) error {
	if len(raw) == 0 {
		_, err := fmt.Fprintln(out, "null")
		return err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(out)
	return err
}

func readPayload(cmd *cobra.Command, key steps.Key, path string) (json.RawMessage, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	raw := json.RawMessage(bytes.TrimSpace(data))
	if err := steps.Validate(key, raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func newSetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set STEP FILE|-",
		Short: "Write a step's data for the active assessment",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := stepArg(args[0])
			if err != nil {
				return err
			}
			raw, err := readPayload(cmd, key, args[1])
			if err != nil {
				return err
			}
			a, s, err := openStep(cmd, opts, key, nil)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())
			defer s.Close(context.Background())

			if err := s.Load(cmd.Context()); err != nil {
				a.Logger.Warn("load before write failed", "step", key, "error", err)
			}
			s.Set(raw)
			if err := s.SaveNow(cmd.Context()); err != nil {
				return fmt.Errorf("saved locally only: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved %s for %s\n", key, s.AssessmentID())
			return nil
		},
	}
}

func newWatchCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch STEP FILE",
		Short: "Sync a step from a local JSON file as it changes",
		Long:  `watch writes FILE to the step each time it changes, with the same debounce the wizard uses. A pending write is flushed on exit.`,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := stepArg(args[0])
			if err != nil {
				return err
			}
			path, err := filepath.Abs(args[1])
			if err != nil {
				return err
			}
			errOut := cmd.ErrOrStderr()
			a, s, err := openStep(cmd, opts, key, func(status stepsync.Status, _ json.RawMessage) {
				fmt.Fprintf(errOut, "%s %s\n", time.Now().Format(time.TimeOnly), status)
			})
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			// Other processes sharing a file cache must not be overwritten by a
			// stale in-memory copy.
			if fb, ok := a.Local.Backend().(*safestore.FileBackend); ok {
				if err := fb.Watch(cmd.Context(), a.Logger, nil); err != nil {
					a.Logger.Warn("local storage watch disabled", "path", fb.Path(), "error", err)
				}
			}
			if err := s.Load(cmd.Context()); err != nil {
				a.Logger.Warn("initial load failed", "step", key, "error", err)
			}
			err = watchFile(cmd.Context(), path, func() {
				raw, err := readPayload(cmd, key, path)
				if err != nil {
					a.Logger.Warn("skipping unreadable step file", "path", path, "error", err)
					return
				}
				s.Set(raw)
			})
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if closeErr := s.Close(flushCtx); closeErr != nil {
				return errors.Join(err, closeErr)
			}
			return err
		},
	}
}

// watchFile calls onChange for every write to path until ctx is done. The
// parent directory is watched so editors that replace the file are seen.
func watchFile(ctx context.Context, path string, onChange func()) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			onChange()
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			return err
		}
	}
}

func newFollowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "follow",
		Short: "Stream step save events for the active assessment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			client, ok := a.Remote.(*stepstore.HTTPClient)
			if !ok {
				return errors.New("follow needs an http remote (--remote https://...)")
			}
			if _, err := a.Start(cmd.Context()); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return client.Subscribe(cmd.Context(), a.Session.AssessmentID(), func(ev stepstore.Event) {
				fmt.Fprintf(out, "%s\t%s\t%s\n", ev.SavedAt.Format(time.RFC3339), ev.Type, ev.StepKey)
			})
		},
	}
}

func newGenerateCmd(opts *rootOptions) *cobra.Command {
	var (
		promptFile string
		systemFile string
		fallback   string
		maxTokens  int
	)
	cmd := &cobra.Command{
		Use:   "generate SECTION",
		Short: "Generate report text for a section",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := os.ReadFile(promptFile)
			if err != nil {
				return fmt.Errorf("read prompt: %w", err)
			}
			req := textgen.Request{
				Section:   args[0],
				Prompt:    string(prompt),
				MaxTokens: maxTokens,
			}
			if systemFile != "" {
				system, err := os.ReadFile(systemFile)
				if err != nil {
					return fmt.Errorf("read system prompt: %w", err)
				}
				req.System = string(system)
			}
			if cmd.Flags().Changed("fallback") {
				req.Fallback = &fallback
			}

			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())
			client, err := a.TextGen(cmd.Context())
			if err != nil {
				return err
			}
			result := client.Generate(cmd.Context(), req)
			if !result.Success {
				return errors.New(result.Error)
			}
			if result.UsedFallback {
				fmt.Fprintln(cmd.ErrOrStderr(), "generation failed; using fallback text")
			}
			fmt.Fprintln(cmd.OutOrStdout(), result.Content)
			return nil
		},
	}
	cmd.Flags().StringVar(&promptFile, "prompt-file", "", "file holding the user prompt")
	cmd.Flags().StringVar(&systemFile, "system-file", "", "file holding the system prompt")
	cmd.Flags().StringVar(&fallback, "fallback", "", "text to print when every attempt fails")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "maximum tokens to generate")
	_ = cmd.MarkFlagRequired("prompt-file")
	return cmd
}
