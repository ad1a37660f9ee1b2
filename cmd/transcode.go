package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/andresmejia3/facecollect/internal/transcode"
	"github.com/andresmejia3/facecollect/internal/utils"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	transcodeInput  string
	transcodeOutput string
)

var transcodeCmd = &cobra.Command{
	Use:   "transcode",
	Short: "Convert a capture recording into the canonical H.264 MP4 used for extraction",
	Run: func(cmd *cobra.Command, args []string) {
		out := transcodeOutput
		if out == "" {
			out = strings.TrimSuffix(transcodeInput, filepath.Ext(transcodeInput)) + ".mp4"
		}
		if out == transcodeInput {
			utils.Die("Output would overwrite the input", nil, nil)
		}

		tr := transcode.New(Cfg.Transcode.Binary, Cfg.Transcode.Timeout, Logger)
		fmt.Fprintf(os.Stderr, "🎞️  Transcoding %s -> %s\n", transcodeInput, out)
		if err := tr.Run(cmd.Context(), transcodeInput, out); err != nil {
			var f *transcode.Failure
			if errors.As(err, &f) && f.Stderr != "" {
				fmt.Fprintf(os.Stderr, "\nFFmpeg Logs:\n%s\n", f.Stderr)
			}
			utils.Die("Transcode failed", err, nil)
		}

		info, err := tr.Probe(cmd.Context(), out)
		if err != nil {
			// The file is already written; the probe is informational.
			utils.ShowError("Could not probe output", err, nil)
			return
		}
		fmt.Fprintf(os.Stderr, "✅ %s: %s %dx%d, %.1fs\n", out, info.Codec, info.Width, info.Height, info.Duration)
	},
}

func init() {
	transcodeCmd.Flags().StringVarP(&transcodeInput, "input", "i", "", "Recording to convert (any container ffmpeg reads)")
	transcodeCmd.Flags().StringVarP(&transcodeOutput, "output", "o", "", "Destination MP4 (default: input with .mp4 extension)")
	transcodeCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(transcodeCmd)
}
