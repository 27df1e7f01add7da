// Package stream separates a streamed chat response into display text and
// embedded trigger objects.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/dohoonidot/aaa-client/internal/jsonscan"
	"github.com/dohoonidot/aaa-client/internal/trigger"
)

const readSize = 4096

var unescaper = strings.NewReplacer(`\n\n`, "\n\n", `\n`, "\n")

// Sinks receive stream output in order. Nil sinks are skipped.
type Sinks struct {
	OnChunk    func(text string)
	OnLeave    func(t trigger.LeaveTrigger)
	OnApproval func(t trigger.ApprovalTrigger)
}

// Segmenter drives a LineAssembler and the JSON scanner over a response
// stream. It holds no per-stream state, so one Segmenter may process many
// streams concurrently.
type Segmenter struct {
	router *trigger.Router
	logger *slog.Logger
}

// NewSegmenter creates a Segmenter. A nil router uses the default approval
// allow-list.
func NewSegmenter(router *trigger.Router, logger *slog.Logger) *Segmenter {
	if logger == nil {
		logger = slog.Default()
	}
	if router == nil {
		router = trigger.NewRouter(nil, logger)
	}
	return &Segmenter{router: router, logger: logger}
}

// Process reads r to completion and returns the concatenated display text.
//
// All lines completed by one read are handled before the next read. If ctx is
// cancelled, Process stops without invoking further sinks and returns the text
// accumulated so far along with ctx.Err(). A read error is returned wrapped;
// text already delivered to OnChunk is not retracted.
func (s *Segmenter) Process(ctx context.Context, r io.Reader, sinks Sinks) (string, error) {
	var (
		la   LineAssembler
		out  strings.Builder
		buf  = make([]byte, readSize)
		line int
	)

	for {
		if err := ctx.Err(); err != nil {
			return out.String(), err
		}
		n, err := r.Read(buf)
		if n > 0 {
			for _, l := range la.Feed(buf[:n]) {
				if err := ctx.Err(); err != nil {
					return out.String(), err
				}
				line++
				s.handleLine(l, line, &out, sinks)
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return out.String(), fmt.Errorf("reading stream: %w", err)
		}
	}

	if l, ok := la.Flush(); ok {
		if err := ctx.Err(); err != nil {
			return out.String(), err
		}
		line++
		s.handleLine(l, line, &out, sinks)
	}
	return out.String(), nil
}

// handleLine applies the line rules. The end-of-stream fragment goes through
// here too.
func (s *Segmenter) handleLine(line string, n int, out *strings.Builder, sinks Sinks) {
	if strings.HasPrefix(line, "event:") {
		return
	}

	content := line
	if rest, ok := strings.CutPrefix(content, "data: "); ok {
		content = rest
	} else if rest, ok := strings.CutPrefix(content, "data:"); ok {
		content = rest
	}

	trimmed := strings.TrimSpace(content)
	if trimmed == "" || trimmed == ":" {
		return
	}

	m, ok := jsonscan.Scan(trimmed)
	if !ok {
		s.emit(content, out, sinks)
		return
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(m.JSON), &obj); err != nil {
		s.logger.Debug("embedded object is not valid JSON, keeping as text", "line", n, "error", err)
		s.emit(content, out, sinks)
		return
	}

	res := s.router.Route(obj)
	if !res.Kind.Consumed() {
		s.emit(content, out, sinks)
		return
	}

	if strings.TrimSpace(m.Prefix+m.Rest) == "" {
		s.dispatch(res, sinks)
		return
	}
	s.emit(m.Prefix, out, sinks)
	s.dispatch(res, sinks)
	s.emit(m.Rest, out, sinks)
}

func (s *Segmenter) emit(text string, out *strings.Builder, sinks Sinks) {
	text = unescaper.Replace(text)
	if text == "" {
		return
	}
	out.WriteString(text)
	if sinks.OnChunk != nil {
		sinks.OnChunk(text)
	}
}

func (s *Segmenter) dispatch(res trigger.Result, sinks Sinks) {
	switch res.Kind {
	case trigger.Leave:
		if sinks.OnLeave != nil {
			sinks.OnLeave(*res.Leave)
		}
	case trigger.Approval:
		if sinks.OnApproval != nil {
			sinks.OnApproval(*res.Approval)
		}
	}
}
