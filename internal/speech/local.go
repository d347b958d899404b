package speech

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// LocalConfig points at the offline recognizer.
type LocalConfig struct {
	// FFmpegBin decodes the input container. Defaults to "ffmpeg" on PATH.
	FFmpegBin string
	// WhisperBin is the whisper.cpp CLI. Defaults to "whisper-cli" on PATH.
	WhisperBin string
	ModelPath  string
	Language   string
	Threads    int
}

// Local converts the input to 16 kHz mono PCM with ffmpeg and runs whisper.cpp
// over it.
type Local struct {
	cfg LocalConfig
}

func NewLocal(cfg LocalConfig) *Local {
	if cfg.FFmpegBin == "" {
		cfg.FFmpegBin = "ffmpeg"
	}
	if cfg.WhisperBin == "" {
		cfg.WhisperBin = "whisper-cli"
	}
	return &Local{cfg: cfg}
}

// Ready reports whether the model file and both binaries can be found.
func (l *Local) Ready() error {
	if strings.TrimSpace(l.cfg.ModelPath) == "" {
		return fmt.Errorf("%w: whisper model path not set", ErrUnavailable)
	}
	if info, err := os.Stat(l.cfg.ModelPath); err != nil || info.IsDir() {
		return fmt.Errorf("%w: whisper model not found at %s", ErrUnavailable, l.cfg.ModelPath)
	}
	for _, bin := range []string{l.cfg.FFmpegBin, l.cfg.WhisperBin} {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("%w: %s not found", ErrUnavailable, bin)
		}
	}
	return nil
}

func (l *Local) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	if err := l.Ready(); err != nil {
		return "", err
	}

	dir, err := os.MkdirTemp("", "relaybot-speech-*")
	if err != nil {
		return "", fmt.Errorf("create speech temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	if filename == "" {
		filename = "voice.ogg"
	}
	input := filepath.Join(dir, "input"+filepath.Ext(filename))
	if err := os.WriteFile(input, audio, 0o600); err != nil {
		return "", fmt.Errorf("write speech input: %w", err)
	}

	wav := filepath.Join(dir, "input.wav")
	if err := run(ctx, l.cfg.FFmpegBin,
		"-nostdin", "-y", "-loglevel", "error",
		"-i", input,
		"-ar", "16000", "-ac", "1", "-c:a", "pcm_s16le",
		wav,
	); err != nil {
		return "", fmt.Errorf("ffmpeg decode: %w", err)
	}

	prefix := filepath.Join(dir, "transcript")
	args := []string{"-m", l.cfg.ModelPath, "-f", wav, "-otxt", "-of", prefix, "-nt"}
	if lang := strings.TrimSpace(l.cfg.Language); lang != "" {
		args = append(args, "-l", lang)
	}
	if l.cfg.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(l.cfg.Threads))
	}
	if err := run(ctx, l.cfg.WhisperBin, args...); err != nil {
		return "", fmt.Errorf("whisper.cpp: %w", err)
	}

	contents, err := os.ReadFile(prefix + ".txt")
	if err != nil {
		return "", fmt.Errorf("read whisper output: %w", err)
	}
	text := strings.Join(strings.Fields(string(contents)), " ")
	if text == "" {
		return "", ErrNoSpeech
	}
	return text, nil
}

func run(ctx context.Context, bin string, args ...string) error {
	cmd := exec.CommandContext(ctx, bin, args...)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(output.String())
		if detail == "" {
			return err
		}
		return fmt.Errorf("%w: %s", err, detail)
	}
	return nil
}
