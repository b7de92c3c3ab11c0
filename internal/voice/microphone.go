package voice

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/ent0n29/carevoice/internal/audio"
)

var (
	ErrDeviceUnavailable = errors.New("microphone unavailable")
	ErrMicrophoneClosed  = errors.New("microphone closed")
)

// Microphone hands out exclusive access to an audio source.
type Microphone interface {
	// Acquire returns ErrDeviceUnavailable when the device is already held
	// or cannot be opened.
	Acquire(ctx context.Context) (MicStream, error)
}

// MicStream is an acquired microphone handle. Chunks carries PCM16LE mono
// audio and is closed when the source ends. Err reports why it ended once
// Chunks is closed; nil means the source simply ran out. Release must be safe
// to call more than once.
type MicStream interface {
	Chunks() <-chan []byte
	SampleRate() int
	Err() error
	Release() error
}

// ChannelMicrophone is fed by a caller, typically a websocket reader pushing
// browser audio frames.
type ChannelMicrophone struct {
	sampleRate int
	chunks     chan []byte

	mu     sync.Mutex
	held   bool
	closed bool

	// sendMu is held for reading while a Push is sending so Close never
	// closes chunks under an in-flight send.
	sendMu sync.RWMutex
}

func NewChannelMicrophone(sampleRate, buffer int) *ChannelMicrophone {
	if sampleRate <= 0 {
		sampleRate = audio.DefaultSampleRate
	}
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelMicrophone{sampleRate: sampleRate, chunks: make(chan []byte, buffer)}
}

func (m *ChannelMicrophone) Acquire(_ context.Context) (MicStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held || m.closed {
		return nil, ErrDeviceUnavailable
	}
	m.held = true
	return &channelStream{mic: m}, nil
}

// Push queues a chunk of PCM16LE audio. It blocks while the buffer is full.
func (m *ChannelMicrophone) Push(ctx context.Context, chunk []byte) error {
	m.sendMu.RLock()
	defer m.sendMu.RUnlock()

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrMicrophoneClosed
	}

	cp := append([]byte(nil), chunk...)
	select {
	case m.chunks <- cp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the stream. Pending chunks are still delivered.
func (m *ChannelMicrophone) Close() {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.chunks)
}

func (m *ChannelMicrophone) Held() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held
}

type channelStream struct {
	mic  *ChannelMicrophone
	once sync.Once
}

func (s *channelStream) Chunks() <-chan []byte { return s.mic.chunks }
func (s *channelStream) SampleRate() int       { return s.mic.sampleRate }
func (s *channelStream) Err() error            { return nil }

func (s *channelStream) Release() error {
	s.once.Do(func() {
		s.mic.mu.Lock()
		s.mic.held = false
		s.mic.mu.Unlock()
	})
	return nil
}

// ReaderMicrophone streams PCM16LE audio out of an io.Reader such as stdin or
// a file. It can be acquired once.
type ReaderMicrophone struct {
	r          io.Reader
	sampleRate int
	chunkBytes int

	mu       sync.Mutex
	acquired bool
}

// NewReaderMicrophone reads chunkBytes at a time. chunkBytes is rounded down
// to a whole number of samples.
func NewReaderMicrophone(r io.Reader, sampleRate, chunkBytes int) *ReaderMicrophone {
	if sampleRate <= 0 {
		sampleRate = audio.DefaultSampleRate
	}
	if chunkBytes < 2 {
		chunkBytes = sampleRate / 10 * 2
	}
	chunkBytes -= chunkBytes % 2
	return &ReaderMicrophone{r: r, sampleRate: sampleRate, chunkBytes: chunkBytes}
}

func (m *ReaderMicrophone) Acquire(ctx context.Context) (MicStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.acquired || m.r == nil {
		return nil, ErrDeviceUnavailable
	}
	m.acquired = true

	ctx, cancel := context.WithCancel(ctx)
	s := &readerStream{
		sampleRate: m.sampleRate,
		chunks:     make(chan []byte, 8),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go s.pump(ctx, m.r, m.chunkBytes)
	return s, nil
}

type readerStream struct {
	sampleRate int
	chunks     chan []byte
	cancel     context.CancelFunc
	done       chan struct{}
	once       sync.Once
	err        error
}

func (s *readerStream) pump(ctx context.Context, r io.Reader, chunkBytes int) {
	// done closes first so Err is settled by the time a reader sees chunks close.
	defer close(s.chunks)
	defer close(s.done)
	for {
		buf := make([]byte, chunkBytes)
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			n -= n % 2
			select {
			case s.chunks <- buf[:n]:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				s.err = err
			}
			return
		}
	}
}

func (s *readerStream) Chunks() <-chan []byte { return s.chunks }
func (s *readerStream) SampleRate() int       { return s.sampleRate }

// Release stops the pump. A pump blocked inside Read on the underlying
// reader exits after that read returns.
func (s *readerStream) Release() error {
	s.once.Do(s.cancel)
	return nil
}

// Err reports a read failure once the chunk channel is closed.
func (s *readerStream) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}
