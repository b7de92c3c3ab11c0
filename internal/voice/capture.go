package voice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/carevoice/internal/audio"
	"github.com/ent0n29/carevoice/internal/fault"
)

type CaptureState string

const (
	CaptureIdle       CaptureState = "idle"
	CaptureRecording  CaptureState = "recording"
	CaptureFinalizing CaptureState = "finalizing"
	CaptureDone       CaptureState = "done"
	CaptureFailed     CaptureState = "failed"
)

func (s CaptureState) Terminal() bool {
	return s == CaptureDone || s == CaptureFailed
}

// EndReason records why recording stopped.
type EndReason string

const (
	EndSilence     EndReason = "silence"
	EndManual      EndReason = "manual"
	EndStreamEnded EndReason = "stream_ended"
	EndMaxDuration EndReason = "max_duration"
	EndAborted     EndReason = "aborted"
	EndDeviceError EndReason = "device_error"
)

var ErrCaptureUsed = errors.New("capture session already started")

const DefaultMaxCaptureDuration = 60 * time.Second

type CaptureConfig struct {
	Silence           SilenceConfig
	MaxDuration       time.Duration
	TranscribeTimeout time.Duration
	// OnState is called after every state change, outside internal locks.
	OnState func(CaptureState)
}

// CaptureResult is the outcome of a finished capture session.
type CaptureResult struct {
	Transcript Transcript
	// Clip is the WAV encoded audio handed to the transcriber.
	Clip      []byte
	Audio     time.Duration
	EndReason EndReason
}

// CaptureSession records one utterance: it owns the microphone handle while
// recording, ends on silence, and transcribes the buffered clip. Sessions are
// single use.
type CaptureSession struct {
	mic    Microphone
	stt    Transcriber
	cfg    CaptureConfig
	logger *zap.Logger

	now       func() time.Time
	newTicker func(time.Duration) (<-chan time.Time, func())

	mu        sync.Mutex
	state     CaptureState
	stream    MicStream
	detector  *SilenceDetector
	startedAt time.Time
	chunks    [][]byte
	window    []byte
	result    CaptureResult
	err       error
	readErr   error
	started   bool
	aborted   bool

	releaseOnce sync.Once
	stopOnce    sync.Once
	abortOnce   sync.Once
	stopCh      chan struct{}
	abortCh     chan struct{}
	done        chan struct{}
}

func NewCaptureSession(mic Microphone, stt Transcriber, cfg CaptureConfig, logger *zap.Logger) *CaptureSession {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.Silence = cfg.Silence.withDefaults()
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = DefaultMaxCaptureDuration
	}
	return &CaptureSession{
		mic:    mic,
		stt:    stt,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		newTicker: func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		},
		state:   CaptureIdle,
		stopCh:  make(chan struct{}),
		abortCh: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start acquires the microphone and begins recording. A failed acquisition
// leaves the session failed with DeviceUnavailable.
func (s *CaptureSession) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrCaptureUsed
	}
	s.started = true
	s.mu.Unlock()

	stream, err := s.mic.Acquire(ctx)
	if err != nil {
		err = fault.Wrap(fault.DeviceUnavailable, "acquire microphone", err)
		s.mu.Lock()
		s.err = err
		s.state = CaptureFailed
		s.mu.Unlock()
		s.notify(CaptureFailed)
		close(s.done)
		return err
	}

	s.mu.Lock()
	s.stream = stream
	s.startedAt = s.now()
	s.detector = NewSilenceDetector(s.cfg.Silence, s.startedAt)
	s.state = CaptureRecording
	s.mu.Unlock()
	s.notify(CaptureRecording)

	go s.run(ctx)
	return nil
}

// Stop ends recording and moves on to transcription.
func (s *CaptureSession) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Abort ends the session as failed with CaptureAborted. The clip is never
// transcribed.
func (s *CaptureSession) Abort() {
	s.abortOnce.Do(func() {
		s.mu.Lock()
		s.aborted = true
		s.mu.Unlock()
		close(s.abortCh)
	})
}

func (s *CaptureSession) Done() <-chan struct{} { return s.done }

func (s *CaptureSession) State() CaptureState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Wait blocks until the session is terminal or ctx ends.
func (s *CaptureSession) Wait(ctx context.Context) (CaptureResult, error) {
	select {
	case <-s.done:
	case <-ctx.Done():
		return CaptureResult{}, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, s.err
}

func (s *CaptureSession) run(ctx context.Context) {
	recCtx, stopRecording := context.WithCancel(ctx)
	defer stopRecording()

	ended := make(chan EndReason, 2)
	g, gctx := errgroup.WithContext(recCtx)
	g.Go(func() error { return s.buffer(gctx, ended) })
	g.Go(func() error { return s.sample(gctx, ended) })

	var reason EndReason
	select {
	case reason = <-ended:
	case <-s.stopCh:
		reason = EndManual
	case <-s.abortCh:
		reason = EndAborted
	case <-ctx.Done():
		reason = EndAborted
	}
	stopRecording()
	_ = g.Wait()

	switch reason {
	case EndAborted:
		s.release()
		s.finish(CaptureResult{EndReason: reason}, fault.New(fault.CaptureAborted, "capture cancelled"))
		return
	case EndDeviceError:
		s.mu.Lock()
		readErr := s.readErr
		s.chunks = nil
		s.mu.Unlock()
		s.release()
		s.finish(CaptureResult{EndReason: reason}, fault.Wrap(fault.DeviceUnavailable, "read microphone", readErr))
		return
	}

	s.mu.Lock()
	s.state = CaptureFinalizing
	pcm := bytes.Join(s.chunks, nil)
	s.chunks = nil
	rate := s.stream.SampleRate()
	s.mu.Unlock()
	s.notify(CaptureFinalizing)
	s.release()

	result := CaptureResult{
		EndReason: reason,
		Audio:     time.Duration(audio.DurationMillis(pcm, rate)) * time.Millisecond,
	}
	s.logger.Debug("capture finalizing",
		zap.String("end_reason", string(reason)),
		zap.Duration("audio", result.Audio),
	)

	if len(pcm) == 0 {
		s.finish(result, fault.New(fault.TranscriptionFailed, "no audio captured"))
		return
	}
	clip, err := audio.EncodeWAVPCM16LE(pcm, rate)
	if err != nil {
		s.finish(result, fault.Wrap(fault.TranscriptionFailed, "encode clip", err))
		return
	}
	result.Clip = clip

	transcript, err := s.transcribe(ctx, clip)
	if err != nil {
		s.mu.Lock()
		aborted := s.aborted
		s.mu.Unlock()
		if aborted || ctx.Err() != nil {
			s.finish(result, fault.Wrap(fault.CaptureAborted, "capture cancelled during transcription", err))
			return
		}
		s.finish(result, fault.Wrap(fault.TranscriptionFailed, "transcribe clip", err))
		return
	}
	result.Transcript = transcript
	s.finish(result, nil)
}

func (s *CaptureSession) transcribe(ctx context.Context, clip []byte) (Transcript, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if s.cfg.TranscribeTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.cfg.TranscribeTimeout)
		defer cancel()
	}

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-s.abortCh:
			cancel()
		case <-stopWatch:
		}
	}()

	return s.stt.Transcribe(ctx, clip, "audio/wav")
}

// buffer drains the microphone until recording ends. Chunks already queued
// when recording ends are kept. A stream that closes with a read error ends
// recording with EndDeviceError.
func (s *CaptureSession) buffer(ctx context.Context, ended chan<- EndReason) error {
	chunks := s.stream.Chunks()
	for {
		select {
		case <-ctx.Done():
			for pending := len(chunks); pending > 0; pending-- {
				chunk, ok := <-chunks
				if !ok {
					break
				}
				s.keep(chunk)
			}
			return nil
		case chunk, ok := <-chunks:
			if !ok {
				if err := s.stream.Err(); err != nil {
					s.mu.Lock()
					s.readErr = err
					s.mu.Unlock()
					signal(ended, EndDeviceError)
					return nil
				}
				signal(ended, EndStreamEnded)
				return nil
			}
			s.keep(chunk)
		}
	}
}

func (s *CaptureSession) keep(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == CaptureRecording {
		s.chunks = append(s.chunks, chunk)
		s.window = append(s.window, chunk...)
	}
}

// sample feeds one amplitude reading per tick into the silence detector.
func (s *CaptureSession) sample(ctx context.Context, ended chan<- EndReason) error {
	ticks, stopTicker := s.newTicker(s.cfg.Silence.SampleInterval)
	defer stopTicker()

	for {
		var at time.Time
		select {
		case <-ctx.Done():
			return nil
		case at = <-ticks:
		}

		s.mu.Lock()
		level := audio.Level(s.window)
		s.window = s.window[:0]
		elapsed := at.Sub(s.startedAt)
		decision := s.detector.Observe(AmplitudeSample{Level: level, At: at})
		s.mu.Unlock()

		if decision == Stop {
			signal(ended, EndSilence)
			return nil
		}
		if elapsed >= s.cfg.MaxDuration {
			signal(ended, EndMaxDuration)
			return nil
		}
	}
}

func (s *CaptureSession) release() {
	s.releaseOnce.Do(func() {
		if err := s.stream.Release(); err != nil {
			s.logger.Warn("release microphone failed", zap.Error(err))
		}
	})
}

func (s *CaptureSession) finish(result CaptureResult, err error) {
	state := CaptureDone
	if err != nil {
		state = CaptureFailed
	}
	s.mu.Lock()
	s.result = result
	s.err = err
	s.state = state
	s.mu.Unlock()
	s.notify(state)
	close(s.done)
	if err != nil && fault.KindOf(err) != fault.CaptureAborted {
		s.logger.Warn("capture failed", zap.String("end_reason", string(result.EndReason)), zap.Error(err))
	}
}

func (s *CaptureSession) notify(state CaptureState) {
	if s.cfg.OnState != nil {
		s.cfg.OnState(state)
	}
}

func signal(ch chan<- EndReason, reason EndReason) {
	select {
	case ch <- reason:
	default:
	}
}

func (r CaptureResult) String() string {
	return fmt.Sprintf("capture(%s, %s, %q)", r.EndReason, r.Audio, r.Transcript.Text)
}
