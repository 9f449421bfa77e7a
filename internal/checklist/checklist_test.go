package checklist

import (
	"net"
	"testing"

	"github.com/mediabridge/iceproxy/internal/candidate"
	"github.com/stretchr/testify/require"
)

func udpAddr(ip string, port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(ip), Port: port}
}

func TestPriority64Deterministic(t *testing.T) {
	a := Priority64(100, 200, true)
	b := Priority64(100, 200, true)
	require.Equal(t, a, b)

	controlling := Priority64(100, 200, true)
	controlled := Priority64(100, 200, false)
	require.NotEqual(t, controlling, controlled)
}

func TestSortDescending(t *testing.T) {
	l := &List{}
	low := NewPair(udpAddr("10.0.0.1", 1), candidate.Host, 1, "f1")
	low.Priority = 10
	high := NewPair(udpAddr("10.0.0.2", 2), candidate.Host, 1, "f2")
	high.Priority = 99
	l.Add(low)
	l.Add(high)
	require.Equal(t, high, l.Pairs()[0])
	require.Equal(t, low, l.Pairs()[1])
}

func TestPruneRedundant(t *testing.T) {
	l := &List{}
	keep := NewPair(udpAddr("10.0.0.1", 1), candidate.Host, 1, "f1")
	keep.Priority = 100
	dup := NewPair(udpAddr("10.0.0.1", 1), candidate.Host, 1, "f2")
	dup.Priority = 50
	l.Add(keep)
	l.Add(dup)
	l.Prune(nil)
	require.Len(t, l.Pairs(), 1)
	require.Equal(t, keep, l.Pairs()[0])
	require.False(t, dup.Live())
}

func TestPruneNeverRemovesSelected(t *testing.T) {
	l := &List{}
	a := NewPair(udpAddr("10.0.0.1", 1), candidate.Host, 1, "f1")
	a.Priority = 100
	a.State = Success
	b := NewPair(udpAddr("10.0.0.1", 1), candidate.Host, 1, "f2")
	b.Priority = 50
	b.State = Success
	l.Add(a)
	l.Add(b)
	l.Prune(b) // b selected even though lower priority and same remote
	found := false
	for _, p := range l.Pairs() {
		if p == b {
			found = true
		}
	}
	require.True(t, found)
}

func TestUnfreezePromotesFrozenOnly(t *testing.T) {
	l := &List{}
	p := NewPair(udpAddr("10.0.0.1", 1), candidate.Host, 1, "f1")
	l.Add(p)
	require.Equal(t, Frozen, p.State)
	l.Unfreeze()
	require.Equal(t, Waiting, p.State)
}

func TestExpireInProgress(t *testing.T) {
	l := &List{}
	p := NewPair(udpAddr("10.0.0.1", 1), candidate.Host, 1, "f1")
	p.State = InProgress
	p.ProgressCount = MaxProgressCount + 1
	l.Add(p)
	l.ExpireInProgress()
	require.Equal(t, Failed, p.State)
}

func TestTriggerQueueSkipsDeadPairs(t *testing.T) {
	var tq TriggerQueue
	p1 := NewPair(udpAddr("10.0.0.1", 1), candidate.Host, 1, "f1")
	p2 := NewPair(udpAddr("10.0.0.2", 2), candidate.Host, 1, "f2")
	tq.Push(p1)
	tq.Push(p2)
	p1.Kill()
	require.Equal(t, p2, tq.Pop())
	require.Nil(t, tq.Pop())
}

func TestValidListNonNominated(t *testing.T) {
	var v ValidList
	p1 := NewPair(udpAddr("10.0.0.1", 1), candidate.Host, 1, "f1")
	p2 := NewPair(udpAddr("10.0.0.2", 2), candidate.Host, 1, "f2")
	p2.Nominated = true
	v.Add(p1)
	v.Add(p2)
	require.Equal(t, []*Pair{p1}, v.NonNominated())
}
