package block

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func TestAppendInputAssignsIncreasingIDs(t *testing.T) {
	s := NewStore(16)

	for want := uint64(1); want <= 5; want++ {
		got, err := s.AppendInput("echo hi", KindCommand)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		require.NoError(t, s.Finalize(got, StatusCompleted, intPtr(0)))
	}

	blocks := s.List(0, 0)
	require.Len(t, blocks, 5)
	for i, b := range blocks {
		assert.Equal(t, uint64(i+1), b.ID)
	}
}

func TestSingleRunningBlock(t *testing.T) {
	s := NewStore(16)

	first, err := s.AppendInput("sleep 10", KindCommand)
	require.NoError(t, err)

	_, err = s.AppendInput("echo no", KindCommand)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	require.NoError(t, s.Finalize(first, StatusCancelled, nil))

	_, err = s.AppendInput("echo yes", KindCommand)
	assert.NoError(t, err)
}

func TestPushOutputOnlyWhileRunning(t *testing.T) {
	s := NewStore(16)

	bid, err := s.AppendInput("ls", KindCommand)
	require.NoError(t, err)
	require.NoError(t, s.PushOutput(bid, []byte("file1\n")))
	require.NoError(t, s.PushOutput(bid, []byte("file2\n")))
	require.NoError(t, s.Finalize(bid, StatusCompleted, intPtr(0)))

	err = s.PushOutput(bid, []byte("late\n"))
	assert.ErrorIs(t, err, ErrNotRunning)

	b, err := s.Get(bid)
	require.NoError(t, err)
	assert.Equal(t, "file1\nfile2\n", b.OutputString())
}

func TestNoTransitionOutOfTerminal(t *testing.T) {
	s := NewStore(16)

	bid, err := s.AppendInput("false", KindCommand)
	require.NoError(t, err)
	require.NoError(t, s.Finalize(bid, StatusFailed, intPtr(2)))

	err = s.Finalize(bid, StatusCompleted, intPtr(0))
	assert.ErrorIs(t, err, ErrNotRunning)

	b, err := s.Get(bid)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, b.Status)
	require.NotNil(t, b.ExitCode)
	assert.Equal(t, 2, *b.ExitCode)
}

func TestFinalizeRejectsNonTerminal(t *testing.T) {
	s := NewStore(16)
	bid, err := s.AppendInput("ls", KindCommand)
	require.NoError(t, err)

	assert.Error(t, s.Finalize(bid, StatusRunning, nil))
}

func TestGetReturnsSnapshot(t *testing.T) {
	s := NewStore(16)
	bid, err := s.AppendInput("ls", KindCommand)
	require.NoError(t, err)
	require.NoError(t, s.PushOutput(bid, []byte("a")))

	snap, err := s.Get(bid)
	require.NoError(t, err)

	require.NoError(t, s.PushOutput(bid, []byte("b")))
	assert.Equal(t, "a", snap.OutputString(), "snapshot must not see later writes")
}

func TestListRange(t *testing.T) {
	s := NewStore(16)
	for i := 0; i < 4; i++ {
		bid, err := s.AppendInput("true", KindCommand)
		require.NoError(t, err)
		require.NoError(t, s.Finalize(bid, StatusCompleted, intPtr(0)))
	}

	mid := s.List(2, 3)
	require.Len(t, mid, 2)
	assert.Equal(t, uint64(2), mid[0].ID)
	assert.Equal(t, uint64(3), mid[1].ID)

	tail := s.List(3, 0)
	require.Len(t, tail, 2)
	assert.Equal(t, uint64(4), tail[1].ID)
}

func TestSealedStoreRejectsAppends(t *testing.T) {
	s := NewStore(16)
	bid, err := s.AppendInput("ls", KindCommand)
	require.NoError(t, err)
	require.NoError(t, s.Finalize(bid, StatusCompleted, intPtr(0)))

	s.Seal()

	_, err = s.AppendInput("ls", KindCommand)
	assert.ErrorIs(t, err, ErrReadOnly)

	// History stays browsable.
	blocks := s.List(0, 0)
	assert.Len(t, blocks, 1)
}

func TestSubscribeReceivesOrderedEvents(t *testing.T) {
	s := NewStore(16)
	sub := s.Subscribe()
	defer s.Unsubscribe(sub.ID())

	bid, err := s.AppendInput("echo hi", KindPrompt)
	require.NoError(t, err)
	require.NoError(t, s.PushOutput(bid, []byte("hi\n")))
	require.NoError(t, s.Finalize(bid, StatusCompleted, intPtr(0)))

	ev := <-sub.Events()
	assert.Equal(t, EventCreated, ev.Type)
	require.NotNil(t, ev.Block)
	assert.Equal(t, KindPrompt, ev.Block.Kind)

	ev = <-sub.Events()
	assert.Equal(t, EventOutputAppended, ev.Type)
	require.NotNil(t, ev.Chunk)
	assert.Equal(t, "hi\n", ev.Chunk.Data)

	ev = <-sub.Events()
	assert.Equal(t, EventFinalized, ev.Type)
	require.NotNil(t, ev.Block)
	assert.Equal(t, StatusCompleted, ev.Block.Status)
}

func TestSlowSubscriberDropsOldestWithoutBlocking(t *testing.T) {
	s := NewStore(4)
	sub := s.Subscribe()

	bid, err := s.AppendInput("yes", KindCommand)
	require.NoError(t, err)

	// Writer must never block, no matter how far behind the reader is.
	for i := 0; i < 100; i++ {
		require.NoError(t, s.PushOutput(bid, []byte("y\n")))
	}
	require.NoError(t, s.Finalize(bid, StatusCancelled, nil))

	assert.Greater(t, sub.Dropped(), uint64(0))

	// Drain what is queued; the last retained events are the newest.
	var last Event
	for i := 0; i < 4; i++ {
		last = <-sub.Events()
	}
	assert.Equal(t, EventFinalized, last.Type)
	s.Unsubscribe(sub.ID())
}

func TestConcurrentReadersWhileWriting(t *testing.T) {
	s := NewStore(16)
	bid, err := s.AppendInput("ls", KindCommand)
	require.NoError(t, err)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					s.List(0, 0)
					if _, err := s.Get(bid); err != nil {
						t.Error(err)
						return
					}
					s.Running()
				}
			}
		}()
	}

	for i := 0; i < 500; i++ {
		require.NoError(t, s.PushOutput(bid, []byte("x")))
	}
	require.NoError(t, s.Finalize(bid, StatusCompleted, intPtr(0)))
	close(stop)
	wg.Wait()
}

func TestUnsubscribeWhileWriterPublishes(t *testing.T) {
	s := NewStore(4)
	bid, err := s.AppendInput("yes", KindCommand)
	require.NoError(t, err)

	// The writer keeps pushing while readers come and go; a reader
	// tearing down its subscription mid-publish must never panic the
	// writer.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5000; i++ {
			if err := s.PushOutput(bid, []byte("y\n")); err != nil {
				t.Error(err)
				return
			}
		}
	}()

	for i := 0; i < 1000; i++ {
		sub := s.Subscribe()
		s.Unsubscribe(sub.ID())
	}
	<-done

	require.NoError(t, s.Finalize(bid, StatusCompleted, intPtr(0)))

	// A fresh subscription still works after all the churn.
	sub := s.Subscribe()
	defer s.Unsubscribe(sub.ID())
	bid2, err := s.AppendInput("true", KindCommand)
	require.NoError(t, err)
	ev := <-sub.Events()
	assert.Equal(t, EventCreated, ev.Type)
	assert.Equal(t, bid2, ev.BlockID)
}

func TestCloseClosesSubscriberChannels(t *testing.T) {
	s := NewStore(16)
	sub := s.Subscribe()

	s.Close()

	_, open := <-sub.Events()
	assert.False(t, open)
	assert.True(t, s.Sealed())
}
