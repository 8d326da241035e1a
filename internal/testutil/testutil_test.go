package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDeterministicClockAdvance(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewDeterministicClock(start)

	assert.Equal(t, start, c.Now())
	c.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), c.Now())
}

func TestSequentialGenerator(t *testing.T) {
	g := NewSequentialGenerator("msg")

	assert.Equal(t, "msg-0001", g.Generate())
	assert.Equal(t, "msg-0002", g.Generate())
}
