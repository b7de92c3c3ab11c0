package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/ent0n29/carevoice/internal/audio"
	"github.com/ent0n29/carevoice/internal/fault"
)

const maxUploadBytes = 25 << 20

type transcribeResponse struct {
	Text       string `json:"text"`
	Language   string `json:"language,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// handleTranscribe runs one uploaded clip through the transcriber. The clip
// is sent in multipart field "file". Raw telephony audio can be uploaded with
// an "encoding" field (pcm16, mulaw, alaw) and optional "sample_rate"; it is
// wrapped as WAV before transcription.
func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if s.stt == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "transcriber not configured")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "file_too_large", "audio upload exceeds 25MB")
			return
		}
		respondError(w, http.StatusBadRequest, "missing_file", "No audio file provided")
		return
	}
	defer file.Close()

	clip, err := io.ReadAll(file)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if len(clip) == 0 {
		respondError(w, http.StatusBadRequest, "missing_file", "No audio file provided")
		return
	}

	mime := strings.TrimSpace(r.FormValue("mime"))
	if mime == "" {
		mime = header.Header.Get("Content-Type")
	}
	clip, mime, err = normalizeUpload(clip, mime, r.FormValue("encoding"), r.FormValue("sample_rate"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_audio", err.Error())
		return
	}

	transcript, err := s.stt.Transcribe(r.Context(), clip, mime)
	if err != nil {
		s.logger.Sugar().Warnw("transcription failed", "bytes", len(clip), "mime", mime, "error", err)
		respondFault(w, fault.Wrap(fault.TranscriptionFailed, "transcribe upload", err))
		return
	}
	respondJSON(w, http.StatusOK, transcribeResponse{
		Text:       transcript.Text,
		Language:   transcript.Language,
		DurationMS: transcript.Duration.Milliseconds(),
	})
}

func normalizeUpload(clip []byte, mime, encoding, sampleRate string) ([]byte, string, error) {
	if strings.TrimSpace(encoding) == "" {
		if audio.IsWAV(clip) {
			return clip, "audio/wav", nil
		}
		return clip, mime, nil
	}

	enc, err := audio.NormalizeEncoding(encoding)
	if err != nil {
		return nil, "", err
	}
	rate := audio.DefaultSampleRate
	if enc != audio.EncodingPCM16 {
		rate = 8000
	}
	if v := strings.TrimSpace(sampleRate); v != "" {
		rate, err = strconv.Atoi(v)
		if err != nil || rate <= 0 {
			return nil, "", fmt.Errorf("invalid sample_rate %q", sampleRate)
		}
	}
	pcm, err := audio.ToPCM16(enc, clip)
	if err != nil {
		return nil, "", err
	}
	wav, err := audio.EncodeWAVPCM16LE(pcm, rate)
	if err != nil {
		return nil, "", err
	}
	return wav, "audio/wav", nil
}
