package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"os"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/net/publicsuffix"

	"github.com/bmravec/gdman/internal/logctx"
)

const (
	DefaultTick      = 500 * time.Millisecond
	DefaultUserAgent = "gdman/1.0"
)

// Env carries the collaborators shared by every transfer of one process.
type Env struct {
	Client *http.Client
	Loop   Poster
	Logger *slog.Logger

	ScratchDir    string
	HomeDir       string
	DescriptorDir string
	UserAgent     string

	// Tick is the progress sampling interval.
	Tick time.Duration
	// StallTimeout stops a transfer that received nothing for this long. Zero disables it.
	StallTimeout time.Duration
	// MaxRate caps each transfer's body rate in bytes per second. Zero disables it.
	MaxRate int64

	// Observe, when set, is told about every transfer a pipeline constructs.
	Observe func(Transfer)
}

// NewHTTPClient builds the client shared by all stages: a cookie jar keyed by
// public suffix, so hosting pages keep their session across stages, and a traced
// transport.
func NewHTTPClient() (*http.Client, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	return &http.Client{
		Jar:       jar,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}, nil
}

// WithDefaults returns a copy of e with every unset field filled in.
func (e *Env) WithDefaults() *Env {
	out := Env{}
	if e != nil {
		out = *e
	}

	if out.Client == nil {
		out.Client = http.DefaultClient
	}

	if out.Logger == nil {
		out.Logger = slog.Default()
	}

	if out.ScratchDir == "" {
		out.ScratchDir = os.TempDir()
	}

	if out.HomeDir == "" {
		out.HomeDir, _ = os.UserHomeDir()
	}

	if out.UserAgent == "" {
		out.UserAgent = DefaultUserAgent
	}

	if out.Tick <= 0 {
		out.Tick = DefaultTick
	}

	return &out
}

// Context returns a background context carrying the environment's logger.
func (e *Env) Context() context.Context {
	return logctx.WithLogger(context.Background(), e.Logger)
}
