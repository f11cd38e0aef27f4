package synthesis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-relay/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const (
	maxResponseBytes = 32 << 20
	maxErrorBody     = 256
)

// Query is the backend's audio query object. Fields the relay does not touch
// are passed back verbatim.
type Query map[string]any

// Apply overlays params onto the scale fields. Every parameter is written so
// the backend never falls back to its own defaults.
func (q Query) Apply(params Params) {
	for _, p := range AllParams() {
		q[p.QueryField()] = params.Resolve(p)
	}
}

// Client talks to a VOICEVOX compatible engine.
type Client struct {
	baseURL      *url.URL
	http         *http.Client
	limiter      *rate.Limiter
	retries      int
	retryWait    time.Duration
	samplingRate int
	stereo       bool
	tracer       trace.Tracer
	logger       *slog.Logger
}

func NewClient(cfg config.SynthesisConfig, logger *slog.Logger) (*Client, error) {
	base, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse synthesis endpoint: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("synthesis endpoint %q must be an absolute url", cfg.Endpoint)
	}
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		baseURL:      base,
		http:         &http.Client{Timeout: timeout},
		retries:      cfg.Retries,
		retryWait:    time.Second,
		samplingRate: cfg.OutputSamplingRate,
		stereo:       cfg.OutputStereo,
		tracer:       otel.Tracer("github.com/loqalabs/loqa-relay/synthesis"),
		logger:       logger.With(slog.String("component", "synthesis-client")),
	}
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c, nil
}

// Render builds a query for text, overlays params and synthesizes WAV audio.
func (c *Client) Render(ctx context.Context, text string, speaker int, params Params) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, "synthesis.render", trace.WithAttributes(
		attribute.Int("synthesis.speaker", speaker),
		attribute.Int("synthesis.text_length", len([]rune(text))),
	))
	defer span.End()

	query, err := c.AudioQuery(ctx, text, speaker)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "audio_query failed")
		return nil, err
	}
	query.Apply(params)

	audio, err := c.Synthesize(ctx, speaker, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "synthesis failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("synthesis.audio_bytes", len(audio)))
	return audio, nil
}

// AudioQuery runs the first phase: POST /audio_query.
func (c *Client) AudioQuery(ctx context.Context, text string, speaker int) (Query, error) {
	params := url.Values{}
	params.Set("text", text)
	params.Set("speaker", strconv.Itoa(speaker))
	data, err := c.call(ctx, "audio_query", http.MethodPost, "audio_query", params, nil, "application/json", http.StatusOK)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var q Query
	if err := dec.Decode(&q); err != nil {
		return nil, &SynthesisError{Phase: "audio_query", Err: fmt.Errorf("decode query: %w", err)}
	}
	if q == nil {
		return nil, &SynthesisError{Phase: "audio_query", Err: errors.New("empty query")}
	}
	return q, nil
}

// Synthesize runs the second phase: POST /synthesis with the final query.
func (c *Client) Synthesize(ctx context.Context, speaker int, q Query) ([]byte, error) {
	if c.samplingRate > 0 {
		q["outputSamplingRate"] = c.samplingRate
	}
	q["outputStereo"] = c.stereo
	body, err := json.Marshal(q)
	if err != nil {
		return nil, &SynthesisError{Phase: "synthesis", Err: fmt.Errorf("encode query: %w", err)}
	}
	params := url.Values{}
	params.Set("speaker", strconv.Itoa(speaker))
	audio, err := c.call(ctx, "synthesis", http.MethodPost, "synthesis", params, body, "audio/wav", http.StatusOK)
	if err != nil {
		return nil, err
	}
	if len(audio) == 0 {
		return nil, &SynthesisError{Phase: "synthesis", Status: http.StatusOK, Err: errors.New("empty audio")}
	}
	return audio, nil
}

// Speaker is one entry of GET /speakers.
type Speaker struct {
	Name        string  `json:"name"`
	SpeakerUUID string  `json:"speaker_uuid"`
	Styles      []Style `json:"styles"`
	Version     string  `json:"version,omitempty"`
}

type Style struct {
	Name string `json:"name"`
	ID   int    `json:"id"`
	Type string `json:"type,omitempty"`
}

func (c *Client) Speakers(ctx context.Context) ([]Speaker, error) {
	data, err := c.call(ctx, "speakers", http.MethodGet, "speakers", nil, nil, "application/json", http.StatusOK)
	if err != nil {
		return nil, err
	}
	var speakers []Speaker
	if err := json.Unmarshal(data, &speakers); err != nil {
		return nil, &SynthesisError{Phase: "speakers", Err: fmt.Errorf("decode speakers: %w", err)}
	}
	return speakers, nil
}

func (c *Client) Version(ctx context.Context) (string, error) {
	data, err := c.call(ctx, "version", http.MethodGet, "version", nil, nil, "application/json", http.StatusOK)
	if err != nil {
		return "", err
	}
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return string(bytes.TrimSpace(data)), nil
	}
	return v, nil
}

func (c *Client) call(ctx context.Context, phase, method, path string, params url.Values, body []byte, accept string, want ...int) ([]byte, error) {
	target := c.baseURL.JoinPath(path)
	if len(params) > 0 {
		target.RawQuery = params.Encode()
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			c.logger.Debug("retrying backend request", slog.String("phase", phase), slog.Int("attempt", attempt), slogError(lastErr))
			select {
			case <-ctx.Done():
				return nil, &SynthesisError{Phase: phase, Err: ctx.Err()}
			case <-time.After(c.retryWait):
			}
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, &SynthesisError{Phase: phase, Err: err}
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, target.String(), bytes.NewReader(body))
		if err != nil {
			return nil, &SynthesisError{Phase: phase, Err: err}
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if accept != "" {
			req.Header.Set("Accept", accept)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if !statusIn(resp.StatusCode, want) {
			return nil, &SynthesisError{Phase: phase, Status: resp.StatusCode, Body: clip(string(data), maxErrorBody)}
		}
		return data, nil
	}
	return nil, &SynthesisError{Phase: phase, Err: lastErr}
}

func statusIn(status int, want []int) bool {
	for _, w := range want {
		if status == w {
			return true
		}
	}
	return false
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
