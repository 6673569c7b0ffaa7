// Package mock provides a test double for the mt.Provider interface.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/parlance-dev/parlance/pkg/provider/mt"
)

// TranslateCall records a single invocation of Provider.Translate.
type TranslateCall struct {
	Text string
	Src  string
	Tgt  string
}

// Provider is a mock implementation of mt.Provider.
//
// By default Translate returns "text [tgt]" so tests can assert the output
// shape without a translation table. Set Translations for exact outputs or
// Err / ErrByLang to inject failures.
type Provider struct {
	mu sync.Mutex

	// Translations maps "src:tgt:text" to the translation returned.
	Translations map[string]string

	// Err, if non-nil, is returned from every Translate call.
	Err error

	// ErrByLang maps a target language to an error returned for that
	// language only; other languages translate normally.
	ErrByLang map[string]error

	// Calls records every Translate invocation.
	Calls []TranslateCall
}

// Translate records the call and returns the configured translation.
func (p *Provider) Translate(ctx context.Context, text, src, tgt string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, TranslateCall{Text: text, Src: src, Tgt: tgt})

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if p.Err != nil {
		return "", p.Err
	}
	if err, ok := p.ErrByLang[tgt]; ok && err != nil {
		return "", err
	}
	if t, ok := p.Translations[src+":"+tgt+":"+text]; ok {
		return t, nil
	}
	return fmt.Sprintf("%s [%s]", text, tgt), nil
}

// CallCount returns the number of recorded Translate calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Ensure Provider implements mt.Provider at compile time.
var _ mt.Provider = (*Provider)(nil)
