package speech

import (
	"context"
	"fmt"
	"time"

	"github.com/sashabaranov/go-openai"
)

// Synthesizer turns text into a retrievable audio handle.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) (string, error)
}

// OpenAIConfig configures an OpenAISynthesizer.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	// Model defaults to tts-1.
	Model string
	// Voice is used when a run asks for the "default" voice.
	Voice string
	// Format is the audio format and file extension. Defaults to mp3.
	Format  string
	Speed   float64
	Timeout time.Duration
}

// OpenAISynthesizer synthesizes speech with the OpenAI audio API and keeps
// the audio in a FileStore.
type OpenAISynthesizer struct {
	client  *openai.Client
	model   openai.SpeechModel
	voice   openai.SpeechVoice
	format  openai.SpeechResponseFormat
	speed   float64
	timeout time.Duration
	store   *FileStore
}

// NewOpenAISynthesizer creates a synthesizer writing into store.
func NewOpenAISynthesizer(cfg OpenAIConfig, store *FileStore) (*OpenAISynthesizer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("speech: OpenAI API key not configured")
	}
	if store == nil {
		return nil, fmt.Errorf("speech: audio store is required")
	}
	if cfg.Model == "" {
		cfg.Model = string(openai.TTSModel1)
	}
	if cfg.Voice == "" {
		cfg.Voice = string(openai.VoiceAlloy)
	}
	if cfg.Format == "" {
		cfg.Format = string(openai.SpeechResponseFormatMp3)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	return &OpenAISynthesizer{
		client:  openai.NewClientWithConfig(clientConfig),
		model:   openai.SpeechModel(cfg.Model),
		voice:   openai.SpeechVoice(cfg.Voice),
		format:  openai.SpeechResponseFormat(cfg.Format),
		speed:   cfg.Speed,
		timeout: cfg.Timeout,
		store:   store,
	}, nil
}

// Synthesize implements Synthesizer.
func (s *OpenAISynthesizer) Synthesize(ctx context.Context, text, voice string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	v := s.voice
	if voice != "" && voice != "default" {
		v = openai.SpeechVoice(voice)
	}

	resp, err := s.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          s.model,
		Input:          text,
		Voice:          v,
		ResponseFormat: s.format,
		Speed:          s.speed,
	})
	if err != nil {
		return "", fmt.Errorf("speech: OpenAI request failed: %w", err)
	}
	defer resp.Close()

	return s.store.Save(resp, string(s.format))
}
