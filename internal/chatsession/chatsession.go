// Package chatsession implements the Chat Session (C3): holds conversation
// history, exposes send/sendStream, enforces single-inflight turns,
// retries empty streams, and curates history.
//
// Grounded on internal/llm/loop.go's streamAndCollect (empty-response
// retry) and emitAssistant (history append) idioms, generalized from the
// fixed single-retry behavior there to the spec's two-policy retry model.
package chatsession

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xonecas/turnrunner/internal/contentgen"
	"github.com/xonecas/turnrunner/internal/convo"
	"github.com/xonecas/turnrunner/internal/rterr"
)

// FlashFallback is invoked by the transport retry loop on a 429 (quota)
// error while the caller uses a "personal" auth type and the current model
// differs from the canonical fallback model (§4.3.3a). It is called on the
// first such error, not only once the retries are used up. Returning true
// means the session switched models; the call is then retried at once,
// without a backoff wait.
type FlashFallback func(cfg *convo.GenerationConfig) (switched bool)

// Session is the C3 state: history, generation config, content generator,
// and the single-inflight-turn guard.
type Session struct {
	mu        sync.Mutex // guards sendPromise/history: single-writer discipline (§5)
	inflight  bool
	waiters   []chan struct{}

	history   *convo.History
	config    *convo.GenerationConfig
	generator contentgen.Generator

	// Tools and SystemInstruction are threaded into every generation
	// request's Config (§4.3.1/§4.3.2) so the model actually sees the
	// registered tool declarations and role prompt, instead of a bare
	// history with nothing telling it what it can call.
	Tools             []contentgen.Tool
	SystemInstruction string

	FlashFallback FlashFallback
	PersonalAuth  bool
	FallbackModel string

	MaxTransportRetries int // default 5
}

func New(generator contentgen.Generator, config *convo.GenerationConfig) *Session {
	return &Session{
		history:             convo.NewHistory(),
		config:               config,
		generator:            generator,
		MaxTransportRetries: 5,
	}
}

// acquire serializes turns: await the current in-flight turn, then mark
// this call as in-flight. Mirrors the "await sendPromise" handle described
// in §4.3.1 step 1.
func (s *Session) acquire(ctx context.Context) error {
	for {
		s.mu.Lock()
		if !s.inflight {
			s.inflight = true
			s.mu.Unlock()
			return nil
		}
		wait := make(chan struct{})
		s.waiters = append(s.waiters, wait)
		s.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// release resets the in-flight marker so subsequent calls don't deadlock,
// even when the turn ended in an exception (§4.3.1 "On exception...").
func (s *Session) release() {
	s.mu.Lock()
	s.inflight = false
	var next chan struct{}
	if len(s.waiters) > 0 {
		next = s.waiters[0]
		s.waiters = s.waiters[1:]
	}
	s.mu.Unlock()
	if next != nil {
		close(next)
	}
}

// GetHistory returns raw (curated=false) or curated (curated=true) deep
// copies per §4.3.4.
func (s *Session) GetHistory(curated bool) []convo.Content {
	if curated {
		return s.history.Curated()
	}
	return s.history.Raw()
}

func (s *Session) curatedLen() int {
	return len(s.history.Curated())
}

// Send implements §4.3.1: a one-shot, non-streamed turn.
func (s *Session) Send(ctx context.Context, userContent convo.Content, promptID string) (contentgen.Response, error) {
	if err := s.acquire(ctx); err != nil {
		return contentgen.Response{}, err
	}
	defer s.release()

	req := contentgen.Request{
		Model:    s.config.Model,
		Contents: append(s.history.Curated(), userContent),
		Config:   contentgen.GenConfig{Tools: s.Tools, SystemInstruction: s.SystemInstruction},
	}

	resp, err := s.transportRetry(ctx, func() (contentgen.Response, error) {
		return s.generator.Generate(ctx, req, promptID)
	})
	if err != nil {
		return contentgen.Response{}, err
	}

	s.history.Record(userContent, []convo.Content{resp.FirstContent()})
	return resp, nil
}

// StreamItem mirrors contentgen.StreamItem at the session boundary.
type StreamItem = contentgen.StreamItem

// SendStream implements §4.3.2: the user content is pushed to raw history
// before the attempt; if every retry attempt fails, that content is
// popped so history looks like the turn never happened.
func (s *Session) SendStream(ctx context.Context, userContent convo.Content, promptID string) (<-chan StreamItem, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}

	s.history.Append(userContent)
	pushedAt := s.history.Len() - 1

	req := contentgen.Request{
		Model:    s.config.Model,
		Contents: s.history.Curated(),
		Config:   contentgen.GenConfig{Tools: s.Tools, SystemInstruction: s.SystemInstruction},
	}

	out := make(chan StreamItem)
	go func() {
		defer close(out)
		defer s.release()

		var collected []convo.Content
		chunks, err := s.emptyStreamRetry(ctx, req, promptID)
		if err != nil {
			// §9 Open Question: the reference only pops if the last
			// history element is still exactly the pushed reference; we
			// document and preserve that caveat by checking length/identity
			// position rather than blindly popping.
			if s.history.Len() == pushedAt+1 {
				s.history.Pop()
			}
			out <- StreamItem{Err: err}
			return
		}

		for _, item := range chunks {
			out <- StreamItem{Chunk: item}
			collected = append(collected, item.FirstContent())
		}
		s.recordStreamResult(userContent, pushedAt, collected)
	}()
	return out, nil
}

// recordStreamResult replaces the eagerly-pushed user content with the
// properly Recorded (consolidated) turn now that the stream is complete.
func (s *Session) recordStreamResult(userContent convo.Content, pushedAt int, modelOutputs []convo.Content) {
	s.history.ReplaceTail(pushedAt, nil)
	s.history.Record(userContent, modelOutputs)
}

// transportRetry implements §4.3.3(a): retry on HTTP 429 or 5xx with
// exponential backoff; schema-depth/invalid-argument errors are not
// retried; a 429 invokes the flash-fallback hook when its conditions hold.
func (s *Session) transportRetry(ctx context.Context, call func() (contentgen.Response, error)) (contentgen.Response, error) {
	backoff := 500 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < s.MaxTransportRetries; attempt++ {
		resp, err := call()
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !isRetryableTransport(err) {
			return contentgen.Response{}, err
		}

		if isQuotaExceeded(err) && s.PersonalAuth && s.FlashFallback != nil && s.config.Model != s.FallbackModel {
			if s.FlashFallback(s.config) {
				log.Warn().Str("model", s.config.Model).Msg("chatsession: switched to fallback model after persistent quota errors")
				continue
			}
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return contentgen.Response{}, ctx.Err()
		}
		backoff *= 2
	}
	return contentgen.Response{}, lastErr
}

func isRetryableTransport(err error) bool {
	var rerr *rterr.Error
	if asRterr, ok := err.(*rterr.Error); ok {
		rerr = asRterr
	}
	if rerr == nil {
		return false
	}
	return rerr.Kind == rterr.KindTransportFailure || rerr.Kind == rterr.KindQuotaExceeded
}

func isQuotaExceeded(err error) bool {
	rerr, ok := err.(*rterr.Error)
	return ok && rerr.Kind == rterr.KindQuotaExceeded
}

// emptyStreamRetry implements §4.3.3(b): up to 3 attempts total, linear
// 500ms*attempt delay. An attempt is empty iff it yielded no chunks, or at
// least one chunk was invalid.
func (s *Session) emptyStreamRetry(ctx context.Context, req contentgen.Request, promptID string) ([]contentgen.Response, error) {
	const maxAttempts = 3
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		chunks, empty, err := s.streamOnce(ctx, req, promptID)
		if err != nil {
			return nil, err
		}
		if !empty {
			return chunks, nil
		}
		lastErr = rterr.New(rterr.KindEmptyStream, nil)
		log.Warn().Int("attempt", attempt).Msg("chatsession: empty stream, retrying")

		if attempt == maxAttempts {
			break
		}
		select {
		case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (s *Session) streamOnce(ctx context.Context, req contentgen.Request, promptID string) ([]contentgen.Response, bool, error) {
	ch, err := s.classifyAndRetryTransport(ctx, req, promptID)
	if err != nil {
		return nil, false, err
	}

	var chunks []contentgen.Response
	sawInvalid := false
	for item := range ch {
		if item.Err != nil {
			return nil, false, item.Err
		}
		if !item.Chunk.IsValidChunk() {
			sawInvalid = true
			continue
		}
		chunks = append(chunks, item.Chunk)
	}

	empty := len(chunks) == 0 || sawInvalid
	return chunks, empty, nil
}

// classifyAndRetryTransport applies the transport retry policy to a
// synchronous GenerateStream error (the call failed before yielding any
// events at all).
func (s *Session) classifyAndRetryTransport(ctx context.Context, req contentgen.Request, promptID string) (<-chan StreamItem, error) {
	var ch <-chan StreamItem
	_, err := s.transportRetry(ctx, func() (contentgen.Response, error) {
		var callErr error
		ch, callErr = s.generator.GenerateStream(ctx, req, promptID)
		return contentgen.Response{}, callErr
	})
	return ch, err
}
