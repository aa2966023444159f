package main

import (
	"bufio"
	"context"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/voicedesk/internal/call"
	"github.com/MrWong99/voicedesk/internal/protocol"
	"github.com/MrWong99/voicedesk/pkg/audio"
	"github.com/MrWong99/voicedesk/pkg/audio/device"
)

// speakerRate is the output device rate. Clips at other rates are resampled.
const speakerRate = 44100

func newCallCmd(f *rootFlags) *cobra.Command {
	var (
		url     string
		variant string
	)
	cmd := &cobra.Command{
		Use:   "call",
		Short: "Call the voice desk from this terminal",
		Long: `Connects to the voice peer and streams the microphone to it.

Press Enter to start or stop talking, type a line of text to send it as a
typed message, and enter q (or press Ctrl+C) to hang up.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := f.load()
			if err != nil {
				return err
			}
			if url != "" {
				cfg.Call.URL = url
			}
			if variant != "" {
				cfg.Call.Protocol = protocol.Variant(variant)
			}

			dec, err := audio.NewDecoder(cfg.Call.Playback.Format, cfg.Call.Playback.SampleRate)
			if err != nil {
				return err
			}

			sink := call.NewTerminalSink(cmd.OutOrStdout())
			sess, err := call.New(call.Config{
				URL:           cfg.Call.URL,
				Variant:       cfg.Call.Protocol,
				SampleRate:    cfg.Call.SampleRate,
				FrameSamples:  cfg.Call.FrameSamples,
				MailboxFrames: cfg.Call.MailboxFrames,
			},
				call.WithMicrophone(device.NewMicrophone()),
				call.WithSpeaker(func() (audio.Speaker, error) {
					return device.OpenSpeaker(speakerRate, 100*time.Millisecond)
				}),
				call.WithDecoder(dec),
				call.WithSink(sink),
			)
			if err != nil {
				return err
			}

			go readKeys(cmd.Context(), cmd.InOrStdin(), sess)
			return sess.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "override call.url")
	cmd.Flags().StringVar(&variant, "protocol", "", "override call.protocol (typed or legacy)")
	return cmd
}

// readKeys turns terminal lines into session commands until the call ends.
func readKeys(ctx context.Context, in io.Reader, sess *call.Session) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-sess.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.Done():
			return
		case line, ok := <-lines:
			if !ok {
				sess.Hangup()
				return
			}
			switch text := strings.TrimSpace(line); {
			case text == "":
				sess.ToggleCapture()
			case strings.EqualFold(text, "q"):
				sess.Hangup()
				return
			default:
				sess.SendText(text)
			}
		}
	}
}
