package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type stats struct {
	connected   atomic.Int64
	connectErrs atomic.Int64
	streamErrs  atomic.Int64
	events      atomic.Int64
	bets        atomic.Int64
	rejected    atomic.Int64
	cashouts    atomic.Int64
	lost        atomic.Int64
}

func (s *stats) fields(elapsed time.Duration) []zap.Field {
	return []zap.Field{
		zap.Int64("connected", s.connected.Load()),
		zap.Int64("connect_errs", s.connectErrs.Load()),
		zap.Int64("stream_errs", s.streamErrs.Load()),
		zap.Int64("events", s.events.Load()),
		zap.Int64("bets", s.bets.Load()),
		zap.Int64("rejected", s.rejected.Load()),
		zap.Int64("cashouts", s.cashouts.Load()),
		zap.Int64("lost", s.lost.Load()),
		zap.Duration("elapsed", elapsed.Truncate(time.Second)),
	}
}

func (s *stats) String(elapsed time.Duration) string {
	if elapsed == 0 {
		elapsed = time.Millisecond
	}
	return fmt.Sprintf("connected=%d connect_errs=%d stream_errs=%d events=%d bets=%d rejected=%d cashouts=%d lost=%d elapsed=%s events/s=%.2f",
		s.connected.Load(), s.connectErrs.Load(), s.streamErrs.Load(), s.events.Load(),
		s.bets.Load(), s.rejected.Load(), s.cashouts.Load(), s.lost.Load(),
		elapsed.Truncate(time.Millisecond), float64(s.events.Load())/elapsed.Seconds())
}

// frame is one server-sent event.
type frame struct {
	name string
	data []byte
}

// streamEvent holds the event fields a player reacts to.
type streamEvent struct {
	RoundSeq   uint64          `json:"roundSeq"`
	Multiplier decimal.Decimal `json:"multiplier"`
}

// readFrames parses an SSE stream, skipping heartbeat comments.
func readFrames(r io.Reader, fn func(frame)) error {
	reader := bufio.NewReader(r)
	var cur frame
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return err
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if cur.name != "" {
				fn(cur)
			}
			cur = frame{}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = []byte(strings.TrimPrefix(line, "data: "))
		}
	}
}

type action int

const (
	actionNone action = iota
	actionBet
	actionCashOut
	actionLost
)

// decision tracks one player's wager across rounds.
type decision struct {
	target   decimal.Decimal
	betRound uint64
	inPlay   bool
}

func (d *decision) next(f frame) action {
	var ev streamEvent
	if len(f.data) > 0 && json.Unmarshal(f.data, &ev) != nil {
		return actionNone
	}

	switch f.name {
	case "round-start":
		d.betRound = ev.RoundSeq
		d.inPlay = false
		return actionBet
	case "multiplier-update":
		if d.inPlay && ev.RoundSeq == d.betRound && ev.Multiplier.GreaterThanOrEqual(d.target) {
			d.inPlay = false
			return actionCashOut
		}
	case "game-crash":
		if d.inPlay && ev.RoundSeq == d.betRound {
			d.inPlay = false
			return actionLost
		}
	}
	return actionNone
}

type player struct {
	id       string
	baseURL  string
	client   *http.Client
	stake    decimal.Decimal
	currency string
	target   decimal.Decimal
	stats    *stats
}

func (p *player) run(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/events", nil)
	if err != nil {
		p.stats.connectErrs.Add(1)
		return
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(req)
	if err != nil {
		p.stats.connectErrs.Add(1)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		p.stats.connectErrs.Add(1)
		return
	}
	p.stats.connected.Add(1)

	d := &decision{target: p.target}
	err = readFrames(resp.Body, func(f frame) {
		p.stats.events.Add(1)
		switch d.next(f) {
		case actionBet:
			if p.post(ctx, "/bets", fmt.Sprintf(`{"amount":%q,"currency":%q}`, p.stake.String(), p.currency)) {
				d.inPlay = true
				p.stats.bets.Add(1)
			} else {
				p.stats.rejected.Add(1)
			}
		case actionCashOut:
			if p.post(ctx, "/cashout", "") {
				p.stats.cashouts.Add(1)
			} else {
				p.stats.lost.Add(1)
			}
		case actionLost:
			p.stats.lost.Add(1)
		}
	})
	if err != nil && ctx.Err() == nil {
		p.stats.streamErrs.Add(1)
	}
}

func (p *player) post(ctx context.Context, path, body string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewBufferString(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Participant-Id", p.id)

	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode < 300
}
