package server

import (
	"fmt"
	"time"

	"github.com/tturner/doipsim/internal/config"
	"github.com/tturner/doipsim/internal/ecu"
)

// BuildMatchers turns declarative YAML requests into engine matchers, in
// order.
func BuildMatchers(reqs []config.RequestConfig) ([]*ecu.RequestMatcher, error) {
	out := make([]*ecu.RequestMatcher, 0, len(reqs))
	for _, r := range reqs {
		var exact []byte
		if r.Bytes != "" {
			b, err := config.ParseHex(r.Bytes)
			if err != nil {
				return nil, fmt.Errorf("request %q: bytes: %w", r.Name, err)
			}
			exact = b
		}
		action, err := requestAction(r)
		if err != nil {
			return nil, fmt.Errorf("request %q: %w", r.Name, err)
		}
		m, err := ecu.NewRequestMatcher(r.Name, exact, r.Regex, action)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// requestAction stages the configured response after the optional delay.
// The delay runs inside the action so the ECU stays busy for it.
func requestAction(r config.RequestConfig) (ecu.RequestAction, error) {
	var stage func(ctx *ecu.ResponseContext) error

	switch {
	case r.Response != "":
		data, err := config.ParseHex(r.Response)
		if err != nil {
			return nil, fmt.Errorf("response: %w", err)
		}
		stage = func(ctx *ecu.ResponseContext) error {
			ctx.Respond(data)
			return nil
		}
	case r.Ack != nil && r.Ack.Enabled:
		suffix, err := config.ParseHex(r.Ack.Suffix)
		if err != nil {
			return nil, fmt.Errorf("ack: %w", err)
		}
		stage = func(ctx *ecu.ResponseContext) error {
			ctx.Ack(suffix...)
			return nil
		}
	case r.Nrc != nil:
		code := byte(*r.Nrc)
		stage = func(ctx *ecu.ResponseContext) error {
			ctx.Nrc(code)
			return nil
		}
	case len(r.Sequence) > 0:
		seqs := r.Sequence
		if r.SequenceMode == config.SequenceWrapAround {
			stage = func(ctx *ecu.ResponseContext) error {
				return ctx.SequenceWrapAround(seqs...)
			}
		} else {
			stage = func(ctx *ecu.ResponseContext) error {
				return ctx.SequenceStopAtEnd(seqs...)
			}
		}
	}

	delay := r.Delay()
	continueMatching, resetStaged := r.ContinueMatching, r.ResetStaged
	return func(ctx *ecu.ResponseContext) error {
		if delay > 0 {
			time.Sleep(delay)
		}
		// reset drops what earlier matchers staged, never this one's response
		if continueMatching {
			ctx.ContinueMatching(resetStaged)
		}
		if stage != nil {
			return stage(ctx)
		}
		return nil
	}, nil
}
