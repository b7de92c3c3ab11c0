// Command listen replays a recorded utterance through the voice websocket and
// prints the committed transcript and the assistant reply. With -text it sends
// a typed turn instead.
package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/carevoice/internal/audio"
	"github.com/ent0n29/carevoice/internal/protocol"
)

type options struct {
	baseURL    string
	sessionID  string
	file       string
	encoding   string
	sampleRate int
	chunkMS    int
	realtime   float64
	stop       bool
	text       string
	timeout    time.Duration
	end        bool
	verbose    bool
}

// clip is audio ready to send: raw bytes in encoding at sampleRate.
type clip struct {
	data       []byte
	encoding   string
	sampleRate int
}

type wsEnvelope struct {
	Type      string  `json:"type"`
	State     string  `json:"state,omitempty"`
	EndReason string  `json:"end_reason,omitempty"`
	Code      string  `json:"code,omitempty"`
	Detail    string  `json:"detail,omitempty"`
	Text      *string `json:"text,omitempty"`
	Retryable bool    `json:"retryable,omitempty"`
}

type turnOutcome struct {
	transcript string
	reply      *string
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "listen: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	fs := flag.NewFlagSet("listen", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "service base URL")
	fs.StringVar(&cfg.sessionID, "session", "", "session id (required)")
	fs.StringVar(&cfg.file, "file", "-", "WAV or raw audio file, - for stdin")
	fs.StringVar(&cfg.encoding, "encoding", "", "raw input encoding: pcm16, mulaw or alaw (ignored for WAV)")
	fs.IntVar(&cfg.sampleRate, "sample-rate", 0, "raw input sample rate (default 16000 for pcm16, 8000 for g711)")
	fs.IntVar(&cfg.chunkMS, "chunk-ms", 40, "audio chunk size in milliseconds")
	fs.Float64Var(&cfg.realtime, "realtime", 1.0, "chunk pacing multiplier (1.0=realtime, 2.0=2x)")
	fs.BoolVar(&cfg.stop, "stop", true, "send a stop control after the last chunk instead of waiting for silence")
	fs.StringVar(&cfg.text, "text", "", "send a typed turn instead of audio")
	fs.DurationVar(&cfg.timeout, "timeout", 90*time.Second, "overall timeout")
	fs.BoolVar(&cfg.end, "end", false, "end the session afterwards")
	fs.BoolVar(&cfg.verbose, "verbose", false, "print capture state changes")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	cfg.sessionID = strings.TrimSpace(cfg.sessionID)
	switch {
	case cfg.baseURL == "":
		return options{}, errors.New("base-url is required")
	case cfg.sessionID == "":
		return options{}, errors.New("session is required")
	case cfg.chunkMS < 10 || cfg.chunkMS > 2000:
		return options{}, errors.New("chunk-ms must be in [10,2000]")
	case cfg.realtime <= 0:
		return options{}, errors.New("realtime must be > 0")
	case cfg.timeout <= 0:
		return options{}, errors.New("timeout must be > 0")
	}
	return cfg, nil
}

func run(cfg options, stdin io.Reader, stdout io.Writer) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()
	client := &http.Client{Timeout: cfg.timeout}

	if cfg.end {
		defer func() {
			if err := endSession(context.Background(), client, cfg.baseURL, cfg.sessionID); err != nil {
				fmt.Fprintf(os.Stderr, "listen: end session: %v\n", err)
			}
		}()
	}

	if cfg.text != "" {
		reply, err := sendText(ctx, client, cfg.baseURL, cfg.sessionID, cfg.text)
		if err != nil {
			return err
		}
		printReply(stdout, reply)
		return nil
	}

	raw, err := readInput(cfg.file, stdin)
	if err != nil {
		return err
	}
	c, err := loadClip(raw, cfg.encoding, cfg.sampleRate)
	if err != nil {
		return err
	}
	out, err := replay(ctx, cfg, c, stdout)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "you: %s\n", out.transcript)
	printReply(stdout, out.reply)
	return nil
}

func printReply(w io.Writer, reply *string) {
	if reply == nil {
		fmt.Fprintln(w, "assistant: (no reply)")
		return
	}
	fmt.Fprintf(w, "assistant: %s\n", *reply)
}

func readInput(path string, stdin io.Reader) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}

// loadClip accepts a mono 16-bit WAV or raw audio in encoding.
func loadClip(raw []byte, encoding string, sampleRate int) (clip, error) {
	if audio.IsWAV(raw) {
		pcm, rate, err := audio.StripWAVHeader(raw)
		if err != nil {
			return clip{}, fmt.Errorf("decode wav: %w", err)
		}
		if rate <= 0 {
			rate = audio.DefaultSampleRate
		}
		raw, encoding, sampleRate = pcm, audio.EncodingPCM16, rate
	}
	enc, err := audio.NormalizeEncoding(encoding)
	if err != nil {
		return clip{}, err
	}
	if sampleRate <= 0 {
		sampleRate = audio.DefaultSampleRate
		if enc != audio.EncodingPCM16 {
			sampleRate = 8000
		}
	}
	if enc == audio.EncodingPCM16 && len(raw)%2 != 0 {
		raw = raw[:len(raw)-1]
	}
	if len(raw) == 0 {
		return clip{}, errors.New("input contains no audio")
	}
	return clip{data: raw, encoding: enc, sampleRate: sampleRate}, nil
}

// chunks splits c into pieces of chunkMS, keeping PCM16 chunks sample aligned.
func chunks(c clip, chunkMS int) [][]byte {
	bytesPerSample := 1
	if c.encoding == audio.EncodingPCM16 {
		bytesPerSample = 2
	}
	size := c.sampleRate * bytesPerSample * chunkMS / 1000
	size -= size % bytesPerSample
	if size < bytesPerSample {
		size = bytesPerSample
	}

	out := make([][]byte, 0, len(c.data)/size+1)
	for off := 0; off < len(c.data); off += size {
		end := off + size
		if end > len(c.data) {
			end = len(c.data)
		}
		out = append(out, c.data[off:end])
	}
	return out
}

func chunkDuration(n int, c clip, realtime float64) time.Duration {
	bytesPerSecond := c.sampleRate
	if c.encoding == audio.EncodingPCM16 {
		bytesPerSecond *= 2
	}
	d := time.Duration(float64(time.Duration(n)*time.Second/time.Duration(bytesPerSecond)) / realtime)
	if d <= 0 {
		d = time.Millisecond
	}
	return d
}

func wsURL(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/voice/session/ws"
	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func replay(ctx context.Context, cfg options, c clip, stdout io.Writer) (turnOutcome, error) {
	target, err := wsURL(cfg.baseURL, cfg.sessionID)
	if err != nil {
		return turnOutcome{}, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return turnOutcome{}, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	done := make(chan turnOutcome, 1)
	readErr := make(chan error, 1)
	ready := make(chan struct{})
	go readLoop(conn, cfg.verbose, stdout, ready, done, readErr)

	select {
	case <-ready:
	case err := <-readErr:
		return turnOutcome{}, err
	case <-ctx.Done():
		return turnOutcome{}, ctx.Err()
	}

	if err := sendAudio(ctx, conn, cfg, c); err != nil {
		return turnOutcome{}, err
	}

	select {
	case out := <-done:
		return out, nil
	case err := <-readErr:
		return turnOutcome{}, err
	case <-ctx.Done():
		return turnOutcome{}, fmt.Errorf("waiting for reply: %w", ctx.Err())
	}
}

func sendAudio(ctx context.Context, conn *websocket.Conn, cfg options, c clip) error {
	encoding := c.encoding
	if encoding == audio.EncodingPCM16 {
		encoding = ""
	}
	for i, chunk := range chunks(c, cfg.chunkMS) {
		msg := protocol.ClientAudioChunk{
			Type:        protocol.TypeClientAudioChunk,
			SessionID:   cfg.sessionID,
			Seq:         i + 1,
			PCM16Base64: base64.StdEncoding.EncodeToString(chunk),
			SampleRate:  c.sampleRate,
			Encoding:    encoding,
			TSMs:        time.Now().UnixMilli(),
		}
		if err := conn.WriteJSON(msg); err != nil {
			return fmt.Errorf("send chunk %d: %w", i+1, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(chunkDuration(len(chunk), c, cfg.realtime)):
		}
	}
	if !cfg.stop {
		return nil
	}
	return conn.WriteJSON(protocol.ClientControl{
		Type:      protocol.TypeClientControl,
		SessionID: cfg.sessionID,
		Action:    protocol.ActionStop,
		Reason:    "end_of_input",
		TSMs:      time.Now().UnixMilli(),
	})
}

func readLoop(conn *websocket.Conn, verbose bool, stdout io.Writer, ready chan<- struct{}, done chan<- turnOutcome, readErr chan<- error) {
	var out turnOutcome
	readyOnce := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr <- fmt.Errorf("ws read: %w", err)
			return
		}
		var env wsEnvelope
		if err := sonic.Unmarshal(data, &env); err != nil {
			continue
		}
		switch protocol.MessageType(env.Type) {
		case protocol.TypeSystemEvent:
			if env.Code == "session_ready" && !readyOnce {
				readyOnce = true
				close(ready)
			}
		case protocol.TypeCaptureState:
			if verbose {
				fmt.Fprintf(stdout, "capture: %s %s\n", env.State, env.EndReason)
			}
		case protocol.TypeSTTCommitted:
			if env.Text != nil {
				out.transcript = *env.Text
			}
		case protocol.TypeAssistantMessage:
			out.reply = env.Text
			done <- out
			return
		case protocol.TypeErrorEvent:
			readErr <- fmt.Errorf("%s: %s (retryable=%v)", env.Code, env.Detail, env.Retryable)
			return
		}
	}
}

type textTurnRequest struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

type textTurnResponse struct {
	Message *string `json:"message"`
	Error   string  `json:"error"`
	Code    string  `json:"code"`
}

func sendText(ctx context.Context, client *http.Client, baseURL, sessionID, text string) (*string, error) {
	payload, err := sonic.Marshal(textTurnRequest{SessionID: sessionID, Message: text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/turns", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	var out textTurnResponse
	if err := sonic.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s (%s)", res.StatusCode, out.Error, out.Code)
	}
	return out.Message, nil
}

func endSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/sessions/"+url.PathEscape(sessionID)+"/end", nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d", res.StatusCode)
	}
	return nil
}
