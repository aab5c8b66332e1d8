package provider

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket shared by every paid model call.
type RateLimiter struct {
	mu       sync.Mutex
	tokens   float64
	max      float64
	rate     float64 // tokens per second
	lastTime time.Time
}

func NewRateLimiter(maxBurst int, ratePerMinute float64) *RateLimiter {
	if maxBurst <= 0 {
		maxBurst = 10
	}
	if ratePerMinute <= 0 {
		ratePerMinute = 60
	}
	return &RateLimiter{
		tokens:   float64(maxBurst),
		max:      float64(maxBurst),
		rate:     ratePerMinute / 60.0,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is done. A nil limiter
// never blocks.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if rl == nil {
		return nil
	}
	for {
		rl.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(rl.lastTime).Seconds()
		rl.tokens += elapsed * rl.rate
		if rl.tokens > rl.max {
			rl.tokens = rl.max
		}
		rl.lastTime = now

		if rl.tokens >= 1.0 {
			rl.tokens -= 1.0
			rl.mu.Unlock()
			return nil
		}

		waitSec := (1.0 - rl.tokens) / rl.rate
		rl.mu.Unlock()

		timer := time.NewTimer(time.Duration(waitSec * float64(time.Second)))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// limitedGenerator throttles a Generator.
type limitedGenerator struct {
	Generator
	rl *RateLimiter
}

func (l limitedGenerator) Generate(ctx context.Context, p Prompt) (string, error) {
	if err := l.rl.Wait(ctx); err != nil {
		return "", err
	}
	return l.Generator.Generate(ctx, p)
}

// limitedTranscriber throttles a Transcriber.
type limitedTranscriber struct {
	Transcriber
	rl *RateLimiter
}

func (l limitedTranscriber) Transcribe(ctx context.Context, audio []byte, mimeType string) (*Transcription, error) {
	if err := l.rl.Wait(ctx); err != nil {
		return nil, err
	}
	return l.Transcriber.Transcribe(ctx, audio, mimeType)
}
