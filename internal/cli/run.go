package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/harun/scoop/internal/daemon"
	"github.com/harun/scoop/pkg/agent"
	"github.com/harun/scoop/pkg/hooks"
	"github.com/harun/scoop/pkg/playback"
	"github.com/harun/scoop/pkg/speech"
	"github.com/harun/scoop/pkg/stream"
)

// Output formats of the run command.
const (
	formatText   = "text"
	formatFrames = "frames"
	formatJSON   = "json"
)

type runOptions struct {
	session    string
	user       string
	inputs     map[string]string
	wanted     []string
	candidates []string
	voice      string
	format     string
	audioOut   string
}

var runOpts = runOptions{}

var runCmd = &cobra.Command{
	Use:   "run [agent] <message>",
	Short: "Run an agent once and print its output",
	Long: `Run an agent in-process without the gateway. The answer streams to
stdout as plain text, as SCOOPSTREAM frames or as one JSON response.
With --candidates the agent is picked by a selection call instead.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runRun,
}

func init() {
	f := runCmd.Flags()
	f.StringVarP(&runOpts.session, "session", "s", "", "session id (default: a new session)")
	f.StringVar(&runOpts.user, "user", "", "user id stored on a new session")
	f.StringToStringVarP(&runOpts.inputs, "input", "i", nil, "stage input as key=value (repeatable)")
	f.StringSliceVar(&runOpts.wanted, "want", nil, "stage or output names to run")
	f.StringSliceVar(&runOpts.candidates, "candidates", nil, "agents to choose from")
	f.StringVar(&runOpts.voice, "voice", "", "synthesize speech with this voice")
	f.StringVarP(&runOpts.format, "format", "f", formatText, "output format (text, frames, json)")
	f.StringVar(&runOpts.audioOut, "audio-out", "", "write the synthesized audio, in order, to this file")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	opts := runOpts
	switch opts.format {
	case formatText, formatFrames, formatJSON:
	default:
		return fmt.Errorf("unknown format %q", opts.format)
	}

	params := agent.RunParams{
		SessionID:  opts.session,
		UserID:     opts.user,
		Candidates: opts.candidates,
		Wanted:     opts.wanted,
		Voice:      opts.voice,
	}
	if len(args) == 2 {
		params.Agent, params.Message = args[0], args[1]
	} else {
		params.Message = args[0]
	}
	if params.SessionID == "" {
		params.SessionID = "cli-" + gonanoid.Must(12)
	}
	if len(opts.inputs) > 0 {
		params.Inputs = make(map[string]any, len(opts.inputs))
		for k, v := range opts.inputs {
			params.Inputs[k] = v
		}
	}
	if opts.audioOut != "" && params.Voice == "" {
		params.Voice = "default"
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if params.Voice != "" && !cfg.Speech.Enabled {
		return fmt.Errorf("speech is disabled in the configuration")
	}
	log, err := newLogger(cfg, false)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}
	defer d.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	resp, err := executeRun(ctx, d.Runner(), d.Audio(), params, opts, cmd.OutOrStdout(), log.Component("cli"))
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("run failed: %s", resp.Error)
	}
	return nil
}

// executeRun attaches the output listeners for opts.format, runs params
// and writes the final answer.
func executeRun(ctx context.Context, runner *agent.Runner, audio *speech.FileStore, params agent.RunParams, opts runOptions, out io.Writer, log zerolog.Logger) (agent.RunResponse, error) {
	var (
		rh       hooks.RunHooks
		mu       sync.Mutex
		streamed bool
	)
	switch opts.format {
	case formatFrames:
		rh = hooks.All(stream.NewWriter(out).Listener())
	case formatText:
		rh.OnToken = hooks.TextListener(func(_ context.Context, delta string) {
			mu.Lock()
			streamed = true
			fmt.Fprint(out, delta)
			mu.Unlock()
		})
	}

	if opts.audioOut != "" {
		if audio == nil {
			return agent.RunResponse{}, fmt.Errorf("no audio store configured")
		}
		f, err := os.Create(opts.audioOut)
		if err != nil {
			return agent.RunResponse{}, fmt.Errorf("failed to create audio file: %w", err)
		}
		defer f.Close()
		rh.OnAudio = chainListeners(rh.OnAudio, audioWriter(audio, f, log))
	}

	params.Hooks = rh
	resp := runner.Run(ctx, params)

	switch opts.format {
	case formatJSON:
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(resp); err != nil {
			return resp, err
		}
	case formatText:
		mu.Lock()
		defer mu.Unlock()
		if resp.Data != nil && !streamed {
			fmt.Fprint(out, resp.Data.Output)
		}
		if resp.Data != nil && !strings.HasSuffix(resp.Data.Output, "\n") {
			fmt.Fprintln(out)
		}
	}
	return resp, nil
}

// audioWriter feeds audio events through a reassembler so chunks land in
// w in index order however the synthesizer finishes them.
func audioWriter(audio *speech.FileStore, w io.Writer, log zerolog.Logger) hooks.Listener {
	r := playback.New(playback.Config{Player: playback.NewWriterPlayer(w), Logger: log})
	return func(_ context.Context, ev hooks.Event) error {
		var p hooks.AudioPayload
		if err := stream.DecodeData(ev, &p); err != nil {
			return err
		}
		rc, err := audio.Open(p.Handle)
		if err != nil {
			return err
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			return err
		}
		return r.Add(p.Index, data)
	}
}

func chainListeners(first, second hooks.Listener) hooks.Listener {
	if first == nil {
		return second
	}
	return func(ctx context.Context, ev hooks.Event) error {
		return errors.Join(first(ctx, ev), second(ctx, ev))
	}
}
