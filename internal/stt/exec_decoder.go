package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-asr/internal/grammar"
	"github.com/mattn/go-shellwords"
)

const execTimeout = 30 * time.Second

// commandRunner invokes an external recognizer binary on a WAV file.
type commandRunner struct {
	cmd []string
}

type execResult struct {
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

func newCommandRunner(command string) (*commandRunner, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse recognizer command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("recognizer command is empty")
	}
	return &commandRunner{cmd: args}, nil
}

func (r *commandRunner) run(ctx context.Context, pcm []int16, sampleRate int, g *grammar.Grammar, opts Options) (execResult, error) {
	file, err := os.CreateTemp(os.TempDir(), "loqa_asr_*.wav")
	if err != nil {
		return execResult{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writePCMToWav(file, pcm, sampleRate); err != nil {
		return execResult{}, err
	}

	base := r.cmd[0]
	cmdArgs := append([]string{}, r.cmd[1:]...)
	cmdArgs = append(cmdArgs, opts.Args()...)
	cmdArgs = append(cmdArgs, "--audio", file.Name())
	if g != nil && g.Path() != "" {
		cmdArgs = append(cmdArgs, "--grammar", g.Path())
	}

	command := exec.CommandContext(ctx, base, cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return execResult{}, fmt.Errorf("recognizer command: %w: %w", ErrUnrecoverable, err)
		}
		return execResult{}, fmt.Errorf("recognizer command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return execResult{}, fmt.Errorf("decode recognizer response: %w", err)
	}
	return resp, nil
}

func writePCMToWav(file *os.File, pcm []int16, sampleRate int) error {
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: 1, SampleRate: sampleRate}}
	samples := make([]int, len(pcm))
	for i, s := range pcm {
		samples[i] = int(s)
	}
	buffer.Data = samples

	enc := wav.NewEncoder(file, sampleRate, 16, 1, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// prerollSeconds of audio ahead of detected speech are kept for the
// recognizer; older silence is discarded.
const prerollSeconds = 0.5

// execDecoder buffers one stretch of speech at a time and runs the external
// recognizer when it ends. Each stretch is decoded once; the utterance text is
// the concatenation of the stretches.
type execDecoder struct {
	runner     *commandRunner
	grammar    *grammar.Grammar
	opts       Options
	sampleRate int
	preroll    int
	gate       *energyGate

	started bool
	pending []int16
	heard   bool
	current execResult
	closed  bool
}

func newExecDecoder(runner *commandRunner, g *grammar.Grammar, opts Options) *execDecoder {
	rate := opts.Int("-samprate", defaultSampleRate)
	return &execDecoder{
		runner:     runner,
		grammar:    g,
		opts:       opts,
		sampleRate: rate,
		preroll:    int(prerollSeconds * float64(rate)),
		gate:       newEnergyGate(opts),
	}
}

func (d *execDecoder) StartUtterance() error {
	if d.closed {
		return fmt.Errorf("start utterance: %w", ErrUnrecoverable)
	}
	d.started = true
	d.pending = d.pending[:0]
	d.heard = false
	d.current = execResult{}
	d.gate.reset()
	return nil
}

func (d *execDecoder) ProcessRaw(samples []int16) (Result, error) {
	if d.closed {
		return Result{}, fmt.Errorf("process raw: %w", ErrUnrecoverable)
	}
	if !d.started {
		return Result{}, fmt.Errorf("process raw: no utterance started")
	}
	wasInSpeech := d.gate.inSpeech
	d.pending = append(d.pending, samples...)
	d.gate.process(samples, nil)
	if d.gate.inSpeech {
		d.heard = true
	}

	if wasInSpeech && !d.gate.inSpeech {
		if err := d.decode(); err != nil {
			return d.result(), err
		}
	}
	if !d.heard && len(d.pending) > d.preroll {
		d.pending = append(d.pending[:0], d.pending[len(d.pending)-d.preroll:]...)
	}
	return d.result(), nil
}

func (d *execDecoder) EndUtterance() (Result, error) {
	if !d.started {
		return Result{}, fmt.Errorf("end utterance: no utterance started")
	}
	d.started = false
	var err error
	if d.heard {
		err = d.decode()
	}
	res := d.result()
	res.InSpeech = false
	return res, err
}

func (d *execDecoder) Close() error {
	d.closed = true
	d.pending = nil
	return nil
}

// decode runs the recognizer over the pending stretch and appends its text.
// The stretch is dropped either way so a failing command is not retried on
// the same audio.
func (d *execDecoder) decode() error {
	segment := d.pending
	d.pending = d.pending[:0]
	d.heard = false

	ctx, cancel := context.WithTimeout(context.Background(), execTimeout)
	defer cancel()
	res, err := d.runner.run(ctx, segment, d.sampleRate, d.grammar, d.opts)
	if err != nil {
		return err
	}
	if res.Text != "" {
		if d.current.Text != "" {
			d.current.Text += " "
		}
		d.current.Text += res.Text
	}
	d.current.Score += res.Score
	return nil
}

func (d *execDecoder) result() Result {
	return Result{Text: d.current.Text, Score: int32(d.current.Score), InSpeech: d.gate.inSpeech}
}
