// Package mock provides a test double for the tts.Provider interface.
//
// By default every text fragment is answered with one audio chunk holding the
// fragment's bytes, which lets tests trace audio back to the sentence it
// came from.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/tts"
)

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Chunk, when non-nil, is emitted for every fragment instead of the
	// fragment's own bytes.
	Chunk []byte

	// SynthesizeErr, if non-nil, is returned from SynthesizeStream.
	SynthesizeErr error

	// Voices and ListVoicesErr are returned by ListVoices.
	Voices        []tts.VoiceProfile
	ListVoicesErr error

	calls     []tts.VoiceProfile
	fragments []string
}

// SynthesizeStream echoes one audio chunk per received text fragment.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	p.mu.Lock()
	p.calls = append(p.calls, voice)
	if p.SynthesizeErr != nil {
		err := p.SynthesizeErr
		p.mu.Unlock()
		return nil, err
	}
	fixed := p.Chunk
	p.mu.Unlock()

	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case s, ok := <-text:
				if !ok {
					return
				}
				p.mu.Lock()
				p.fragments = append(p.fragments, s)
				p.mu.Unlock()
				chunk := []byte(s)
				if fixed != nil {
					chunk = fixed
				}
				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// ListVoices returns Voices, ListVoicesErr.
func (p *Provider) ListVoices(context.Context) ([]tts.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Voices, p.ListVoicesErr
}

// Fragments returns every text fragment received so far.
func (p *Provider) Fragments() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.fragments))
	copy(out, p.fragments)
	return out
}

// CallCount returns the number of SynthesizeStream calls.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

var _ tts.Provider = (*Provider)(nil)
