package speak

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sipeed/picoavatar/cmd/picoavatar/internal"
	"github.com/sipeed/picoavatar/pkg/chat"
	"github.com/sipeed/picoavatar/pkg/media"
	"github.com/sipeed/picoavatar/pkg/pipeline"
)

type options struct {
	text       string
	voice      string
	index      int
	out        string
	expression string
	animation  string
}

func NewSpeakCommand() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:     "speak",
		Short:   "Voice one line of text and print the avatar payload",
		Example: `picoavatar speak --text "Hello there" --out reply.json`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return speakCmd(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.text, "text", "t", "", "Text to voice")
	cmd.Flags().StringVar(&opts.voice, "voice", "", "Voice id (overrides speech.voice_id)")
	cmd.Flags().IntVarP(&opts.index, "index", "i", 0, "Artifact index, files are named message_<index>")
	cmd.Flags().StringVarP(&opts.out, "out", "o", "", "Write the payload JSON to this file instead of stdout")
	cmd.Flags().StringVar(&opts.expression, "expression", chat.DefaultExpression, "Facial expression for the payload")
	cmd.Flags().StringVar(&opts.animation, "animation", chat.DefaultAnimation, "Animation for the payload")
	_ = cmd.MarkFlagRequired("text")

	return cmd
}

func speakCmd(ctx context.Context, stdout io.Writer, opts options) error {
	if strings.TrimSpace(opts.text) == "" {
		return errors.New("--text must not be empty")
	}
	if opts.index < 0 {
		return fmt.Errorf("--index must be >= 0, got %d", opts.index)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := internal.LoadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	rt, err := internal.BuildRuntime(cfg, internal.RuntimeOptions{VoiceID: opts.voice, KeepArtifacts: true})
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.Layout.Ensure(); err != nil {
		return err
	}
	paths := rt.Layout.Paths(media.MessageBase(opts.index))
	art := rt.Service.Orchestrator().Process(ctx, opts.index, opts.text, paths)

	msg := chat.Message{Text: opts.text, FacialExpression: opts.expression, Animation: opts.animation}.Normalize()
	payload := pipeline.NewPayload(msg, art)

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	if opts.out == "" {
		_, err = fmt.Fprintln(stdout, string(data))
		return err
	}
	if dir := filepath.Dir(opts.out); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if err := os.WriteFile(opts.out, data, 0o644); err != nil {
		return err
	}
	status := "encoded"
	if art.IsFallback {
		status = fmt.Sprintf("fallback (%d error records)", len(art.Errors))
	}
	fmt.Fprintf(stdout, "✓ %s: %s\n", opts.out, status)
	return nil
}
