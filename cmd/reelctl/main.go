// reelctl generates one video from a local image and writes it to disk.
//
// Usage:
//
//	reelctl -image frame.jpg -prompt "a cat surfing" [-transcript "..."] [-aspect 9:16] [-out video.mp4]
//
// The API key comes from REEL_API_KEY (or GEMINI_API_KEY, API_KEY); when none
// is set, reelctl asks for one on the terminal.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/seantiz/reel/internal/config"
	"github.com/seantiz/reel/internal/veo"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "reelctl:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()

	imagePath := flag.String("image", "", "path to the source image (JPEG, PNG, GIF or WebP)")
	prompt := flag.String("prompt", "", "creative prompt")
	transcript := flag.String("transcript", "", "dialogue or action context")
	aspect := flag.String("aspect", string(veo.AspectLandscape), "aspect ratio: 16:9 or 9:16")
	out := flag.String("out", "video.mp4", "output file")
	model := flag.String("model", cfg.Model, "video model")
	verbose := flag.Bool("v", false, "log client activity to stderr")
	flag.Parse()

	if *imagePath == "" || *prompt == "" {
		flag.Usage()
		return errors.New("-image and -prompt are required")
	}

	ratio, err := veo.ParseAspectRatio(*aspect)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(*imagePath)
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}
	img, err := veo.NewImage(data)
	if err != nil {
		return err
	}

	var creds veo.Credentials = veo.StaticCredentials(cfg.APIKey)
	if cfg.APIKey == "" {
		creds = veo.NewPromptCredentials(os.Stdin, os.Stderr)
	}

	level := cfg.LogLevel
	if !*verbose {
		level = slog.LevelError
	}
	logger := config.NewLogger(os.Stderr, level)

	provider := veo.NewGenAIProvider(creds, veo.GenAIConfig{
		Model:           *model,
		Resolution:      cfg.Resolution,
		DownloadTimeout: cfg.DownloadTimeout,
	}, logger)
	client := veo.NewClient(provider, provider,
		veo.WithPollInterval(cfg.PollInterval),
		veo.WithMaxWait(cfg.PollMaxWait),
		veo.WithLogger(logger),
		veo.WithPollObserver(func(op veo.Operation, attempt int) {
			if op.Done {
				fmt.Fprintf(os.Stderr, "poll %d: done\n", attempt)
				return
			}
			fmt.Fprintf(os.Stderr, "poll %d: still generating...\n", attempt)
		}),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(os.Stderr, "generating with %s (%s)...\n", provider.Model(), ratio)
	art, err := client.Generate(ctx, veo.Request{
		Prompt:      veo.ComposePrompt(*prompt, *transcript),
		Image:       img,
		AspectRatio: ratio,
	})
	if err != nil {
		return describe(err)
	}

	if err := os.WriteFile(*out, art.Data, 0o644); err != nil {
		return fmt.Errorf("write video: %w", err)
	}
	fmt.Fprintf(os.Stderr, "wrote %s (%d bytes, %s)\n", *out, len(art.Data), art.MIMEType)
	return nil
}

// describe turns classified failures into the message a person acts on.
func describe(err error) error {
	switch veo.ReasonOf(err) {
	case veo.ReasonQuota:
		return fmt.Errorf("API quota exceeded, check your plan and billing details: %w", err)
	case veo.ReasonInvalidCredential:
		return fmt.Errorf("API key is invalid or not found: %w", err)
	case veo.ReasonNoCredential:
		return fmt.Errorf("no API key provided: %w", err)
	}
	return err
}
