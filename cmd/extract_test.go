package cmd

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidateExtractFlags(t *testing.T) {
	dir := t.TempDir()
	video := filepath.Join(dir, "capture.mp4")
	if err := os.WriteFile(video, []byte("not really a video"), 0644); err != nil {
		t.Fatal(err)
	}
	outFile := filepath.Join(dir, "taken")
	if err := os.WriteFile(outFile, nil, 0644); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(dir, "tiles")

	tests := []struct {
		name    string
		opts    extractOptions
		wantErr bool
	}{
		{
			name:    "Valid options",
			opts:    extractOptions{InputPath: video, OutputDir: out, Confidence: 0.5, Padding: 0.2},
			wantErr: false,
		},
		{
			name:    "Zero padding and threshold",
			opts:    extractOptions{InputPath: video, OutputDir: out},
			wantErr: false,
		},
		{
			name:    "Input file does not exist",
			opts:    extractOptions{InputPath: filepath.Join(dir, "nonexistent.mp4"), OutputDir: out, Confidence: 0.5},
			wantErr: true,
		},
		{
			name:    "Input is directory",
			opts:    extractOptions{InputPath: dir, OutputDir: out, Confidence: 0.5},
			wantErr: true,
		},
		{
			name:    "Missing output",
			opts:    extractOptions{InputPath: video, Confidence: 0.5},
			wantErr: true,
		},
		{
			name:    "Output is a file",
			opts:    extractOptions{InputPath: video, OutputDir: outFile, Confidence: 0.5},
			wantErr: true,
		},
		{
			name:    "Confidence above one",
			opts:    extractOptions{InputPath: video, OutputDir: out, Confidence: 1.5},
			wantErr: true,
		},
		{
			name:    "Negative padding",
			opts:    extractOptions{InputPath: video, OutputDir: out, Confidence: 0.5, Padding: -0.1},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := validateExtractFlags(tt.opts); (err != nil) != tt.wantErr {
				t.Errorf("validateExtractFlags() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
