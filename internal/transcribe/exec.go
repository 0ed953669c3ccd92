package transcribe

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/mattn/go-shellwords"

	"github.com/jesuslovei/memory-check-drive/internal/config"
)

// execProvider runs a local recognizer that prints {"text","confidence"} JSON.
type execProvider struct {
	cmd   []string
	model string
	pcm   config.PCMConfig
	mu    sync.Mutex
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func NewExec(cfg config.ExecConfig, pcm config.PCMConfig) (Provider, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse transcription command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("transcription command is empty")
	}
	return &execProvider{cmd: args, model: cfg.ModelPath, pcm: pcm}, nil
}

func (p *execProvider) Transcribe(ctx context.Context, req Request) (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ext := filepath.Ext(req.Filename)
	if isRawPCM(req.MIMEType) {
		ext = ".wav"
	}
	if ext == "" {
		ext = ".bin"
	}
	file, err := os.CreateTemp("", "memcheck_audio_*"+ext)
	if err != nil {
		return Result{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if isRawPCM(req.MIMEType) {
		err = writePCMToWav(file, req.Audio, p.pcm.SampleRate, p.pcm.Channels)
	} else {
		_, err = io.Copy(file, bytes.NewReader(req.Audio))
	}
	if err != nil {
		return Result{}, err
	}
	if err := file.Sync(); err != nil {
		return Result{}, fmt.Errorf("flush audio: %w", err)
	}

	cmdArgs := append([]string{}, p.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", file.Name())
	if p.model != "" {
		cmdArgs = append(cmdArgs, "--model", p.model)
	}
	if req.Language != "" {
		cmdArgs = append(cmdArgs, "--language", req.Language)
	}

	command := exec.CommandContext(ctx, p.cmd[0], cmdArgs...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		return Result{}, fmt.Errorf("transcription command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return Result{}, fmt.Errorf("decode transcription output: %w", err)
	}
	return Result{Text: resp.Text, Confidence: resp.Confidence}, nil
}

func isRawPCM(mimeType string) bool {
	base, _, _ := strings.Cut(strings.ToLower(mimeType), ";")
	switch strings.TrimSpace(base) {
	case "audio/l16", "audio/pcm", "audio/x-pcm":
		return true
	}
	return false
}

// writePCMToWav wraps 16-bit little-endian PCM in a WAV container.
func writePCMToWav(w io.WriteSeeker, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	if sampleRate <= 0 || channels <= 0 {
		return fmt.Errorf("pcm format requires sample rate and channels")
	}
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate}, SourceBitDepth: 16}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
