package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	swarmerrors "github.com/bullish-design/remora/pkg/swarm/errors"
	"github.com/bullish-design/remora/pkg/swarm/event"
)

type staticMatcher []string

func (m staticMatcher) Match(e *event.Envelope) []string { return m }

func TestSQLiteStoreAppendAssignsMonotonicSeq(t *testing.T) {
	s, err := NewSQLiteStore(":memory:", 0)
	require.NoError(t, err)
	defer s.Close()

	e1, err := event.New(event.KindManualTrigger, event.ManualTriggerPayload{})
	require.NoError(t, err)
	seq1, err := s.Append(e1, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), seq1)

	e2, err := event.New(event.KindManualTrigger, event.ManualTriggerPayload{})
	require.NoError(t, err)
	seq2, err := s.Append(e2, nil)
	require.NoError(t, err)
	require.Equal(t, int64(2), seq2)
}

func TestSQLiteStoreReplayRoundTrips(t *testing.T) {
	s, err := NewSQLiteStore(":memory:", 0)
	require.NoError(t, err)
	defer s.Close()

	e, err := event.New(event.KindFileSaved, event.FileSavedPayload{Path: "a.py"},
		event.WithCorrelationID("c1"), event.WithTags("x", "y"))
	require.NoError(t, err)
	_, err = s.Append(e, nil)
	require.NoError(t, err)

	got, err := s.Replay(ReplayFilter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "c1", got[0].CorrelationID)
	require.Equal(t, []string{"x", "y"}, got[0].Tags)

	p, err := event.TypedPayload[event.FileSavedPayload](got[0])
	require.NoError(t, err)
	require.Equal(t, "a.py", p.Path)
}

func TestSQLiteStoreAppendEnqueuesTriggersForMatchedAgents(t *testing.T) {
	s, err := NewSQLiteStore(":memory:", 0)
	require.NoError(t, err)
	defer s.Close()

	e, err := event.New(event.KindManualTrigger, event.ManualTriggerPayload{})
	require.NoError(t, err)
	_, err = s.Append(e, staticMatcher{"A1", "A2"})
	require.NoError(t, err)

	t1 := <-s.Triggers()
	t2 := <-s.Triggers()
	require.ElementsMatch(t, []string{"A1", "A2"}, []string{t1.AgentID, t2.AgentID})
}

func TestSQLiteStoreReplaySinceSeqIsExclusive(t *testing.T) {
	s, err := NewSQLiteStore(":memory:", 0)
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < 3; i++ {
		e, err := event.New(event.KindManualTrigger, event.ManualTriggerPayload{})
		require.NoError(t, err)
		_, err = s.Append(e, nil)
		require.NoError(t, err)
	}

	got, err := s.Replay(ReplayFilter{SinceSeq: 1})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, int64(2), got[0].Seq)
}

func TestSQLiteStoreCloseClosesTriggerChannel(t *testing.T) {
	s, err := NewSQLiteStore(":memory:", 0)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, ok := <-s.Triggers()
	require.False(t, ok)
}

func TestSQLiteStoreAppendAfterCloseReturnsBackpressureError(t *testing.T) {
	s, err := NewSQLiteStore(":memory:", 0)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	e, err := event.New(event.KindManualTrigger, event.ManualTriggerPayload{})
	require.NoError(t, err)
	_, err = s.Append(e, nil)
	require.ErrorIs(t, err, swarmerrors.ErrBackpressure)
}

func TestBoltStoreAppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	s, err := NewBoltStore(filepath.Join(dir, "events.db"), 0)
	require.NoError(t, err)
	defer s.Close()

	e, err := event.New(event.KindUserChat, event.UserChatPayload{Content: "hi"})
	require.NoError(t, err)
	seq, err := s.Append(e, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), seq)

	got, err := s.Replay(ReplayFilter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, e.ID, got[0].ID)
}

func TestBoltStoreReopenResumesSeq(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.db")

	s1, err := NewBoltStore(path, 0)
	require.NoError(t, err)
	e, err := event.New(event.KindManualTrigger, event.ManualTriggerPayload{})
	require.NoError(t, err)
	_, err = s1.Append(e, nil)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := NewBoltStore(path, 0)
	require.NoError(t, err)
	defer s2.Close()

	e2, err := event.New(event.KindManualTrigger, event.ManualTriggerPayload{})
	require.NoError(t, err)
	seq, err := s2.Append(e2, nil)
	require.NoError(t, err)
	require.Equal(t, int64(2), seq)
}

