package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/andresmejia3/facecollect/internal/pipeline"
	"github.com/andresmejia3/facecollect/internal/types"
	"github.com/andresmejia3/facecollect/internal/utils"
	"github.com/andresmejia3/facecollect/internal/video"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

// extractOptions holds the flags of the extract command.
type extractOptions struct {
	InputPath  string
	OutputDir  string
	Confidence float64
	Padding    float64
}

var extractOpts extractOptions

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract normalized face tiles from a single video, without the HTTP service",
	Run: func(cmd *cobra.Command, args []string) {
		runExtract(cmd, extractOpts)
	},
}

func init() {
	extractCmd.Flags().StringVarP(&extractOpts.InputPath, "input", "i", "", "Path to video")
	extractCmd.Flags().StringVarP(&extractOpts.OutputDir, "output", "o", "", "Directory that receives the face tiles")
	extractCmd.Flags().Float64VarP(&extractOpts.Confidence, "confidence", "c", 0.5, "Minimum detection confidence for a tile (inclusive)")
	extractCmd.Flags().Float64VarP(&extractOpts.Padding, "padding", "p", 0.2, "Box padding as a fraction of its width/height")

	extractCmd.MarkFlagRequired("input")
	extractCmd.MarkFlagRequired("output")
	rootCmd.AddCommand(extractCmd)
}

// runExtract runs the pipeline in the foreground with a progress bar.
func runExtract(cmd *cobra.Command, opts extractOptions) {
	if err := validateExtractFlags(opts); err != nil {
		utils.Die("Invalid flags", err, nil)
	}

	var bar *progressbar.ProgressBar
	progress := func(done, total int) {
		if bar == nil {
			bar = progressbar.NewOptions(total,
				progressbar.OptionSetDescription("🔍 Extracting faces"),
				progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
				progressbar.OptionShowCount(),
			)
		}
		_ = bar.Set(done)
	}

	extractor := pipeline.New(video.NewFFmpeg(Logger), newDetectorLoader(), Logger, pipeline.WithProgress(progress))

	start := time.Now()
	count, err := extractor.Extract(cmd.Context(), types.ExtractionJob{
		SessionID:           "cli",
		VideoPath:           opts.InputPath,
		OutputDir:           opts.OutputDir,
		ConfidenceThreshold: opts.Confidence,
		PaddingRatio:        opts.Padding,
		EnqueuedAt:          start,
	})
	if bar != nil {
		_ = bar.Finish()
	}
	if err != nil {
		utils.Die("Extraction failed", err, nil)
	}

	fmt.Fprintf(os.Stderr, "\n🏁 Extraction Complete. Saved %d face tiles to %s in %s.\n",
		count, opts.OutputDir, time.Since(start).Round(time.Millisecond))
}

// validateExtractFlags ensures all CLI arguments are valid before starting heavy processes.
func validateExtractFlags(opts extractOptions) error {
	info, err := os.Stat(opts.InputPath)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.Wrap(err, "input file does not exist")
		}
		return errors.Wrap(err, "unable to access input file")
	}
	if info.IsDir() {
		return errors.New("input path is a directory, expected a video file")
	}
	if opts.OutputDir == "" {
		return errors.New("output directory is required")
	}
	if out, err := os.Stat(opts.OutputDir); err == nil && !out.IsDir() {
		return errors.Errorf("output path %s is a file, expected a directory", opts.OutputDir)
	}
	if opts.Confidence < 0 || opts.Confidence > 1.0 {
		return errors.Errorf("confidence must be between 0.0 and 1.0, got %f", opts.Confidence)
	}
	if opts.Padding < 0 {
		return errors.Errorf("padding must be >= 0, got %f", opts.Padding)
	}
	return nil
}
