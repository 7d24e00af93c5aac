package main

import (
	"io"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadFrames(t *testing.T) {
	stream := ": ping\n\n" +
		"event: round-start\ndata: {\"roundSeq\":4}\n\n" +
		": ping\n\n" +
		"event: multiplier-update\r\ndata: {\"roundSeq\":4,\"multiplier\":\"1.5\"}\r\n\r\n"

	var got []frame
	err := readFrames(strings.NewReader(stream), func(f frame) { got = append(got, f) })
	require.ErrorIs(t, err, io.EOF)

	require.Len(t, got, 2)
	assert.Equal(t, "round-start", got[0].name)
	assert.JSONEq(t, `{"roundSeq":4}`, string(got[0].data))
	assert.Equal(t, "multiplier-update", got[1].name)
}

func TestDecision(t *testing.T) {
	d := &decision{target: decimal.RequireFromString("2")}

	assert.Equal(t, actionBet, d.next(frame{name: "round-start", data: []byte(`{"roundSeq":4}`)}))
	d.inPlay = true

	assert.Equal(t, actionNone, d.next(frame{name: "multiplier-update", data: []byte(`{"roundSeq":4,"multiplier":"1.95"}`)}))
	assert.Equal(t, actionNone, d.next(frame{name: "multiplier-update", data: []byte(`{"roundSeq":3,"multiplier":"2.5"}`)}), "stale round")
	assert.Equal(t, actionCashOut, d.next(frame{name: "multiplier-update", data: []byte(`{"roundSeq":4,"multiplier":"2.00"}`)}))
	assert.Equal(t, actionNone, d.next(frame{name: "game-crash", data: []byte(`{"roundSeq":4}`)}), "already cashed out")

	assert.Equal(t, actionBet, d.next(frame{name: "round-start", data: []byte(`{"roundSeq":5}`)}))
	d.inPlay = true
	assert.Equal(t, actionLost, d.next(frame{name: "game-crash", data: []byte(`{"roundSeq":5}`)}))

	assert.Equal(t, actionNone, d.next(frame{name: "round-start", data: []byte(`{`)}))
}

func TestTargetFor(t *testing.T) {
	lo, hi := decimal.RequireFromString("1.1"), decimal.RequireFromString("3")

	assert.True(t, targetFor(0, 5, lo, hi).Equal(lo))
	assert.True(t, targetFor(4, 5, lo, hi).Equal(hi))
	assert.True(t, targetFor(2, 5, lo, hi).Equal(decimal.RequireFromString("2.05")))
	assert.True(t, targetFor(0, 1, lo, hi).Equal(lo))
}
