package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPriorityScoreOrdering(t *testing.T) {
	critical := PriorityScore(PriorityCritical, 103)
	high1 := PriorityScore(PriorityHigh, 101)
	high2 := PriorityScore(PriorityHigh, 102)
	normal := PriorityScore(PriorityNormal, 100)

	assert.Less(t, critical, high1)
	assert.Less(t, high1, high2)
	assert.Less(t, high2, normal)
}

func TestLockInfoLive(t *testing.T) {
	l := &LockInfo{Timestamp: 1000, Timeout: 500}
	assert.True(t, l.Live(1200))
	assert.False(t, l.Live(1600))
}
