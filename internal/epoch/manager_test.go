package epoch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarungka/reflow/internal/types"
)

func testManager(t *testing.T, sources []string, sinks int) *Manager {
	t.Helper()
	return NewManager(Config{
		Interval:      5 * time.Millisecond,
		CommitTimeout: 2 * time.Second,
	}, nil, 1, sources, sinks)
}

// ackPump simulates a sink: every commit request that reaches the source
// channel is acknowledged with the source's position merged in.
func ackPump(ctx context.Context, m *Manager, source string, pos types.OpIdentifier) {
	ch := m.CommitRequests(source)
	for {
		select {
		case ep := <-ch:
			ep.SourcePositions[source] = pos
			m.Ack(ep)
		case <-ctx.Done():
			return
		}
	}
}

func TestManagerAssignsMonotonicEpochs(t *testing.T) {
	m := testManager(t, []string{"src"}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ids := make(chan uint64, 16)
	go func() {
		ch := m.CommitRequests("src")
		for {
			select {
			case ep := <-ch:
				select {
				case ids <- ep.ID:
				default:
				}
				ep.SourcePositions["src"] = types.OpIdentifier{TxID: ep.ID * 10}
				m.Ack(ep)
			case <-ctx.Done():
				return
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(ctx) }()

	var got []uint64
	for len(got) < 3 {
		select {
		case id := <-ids:
			got = append(got, id)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for epochs")
		}
	}
	m.Shutdown()

	require.NoError(t, waitErr(t, errCh))
	require.GreaterOrEqual(t, len(got), 3)
	for i := 1; i < len(got); i++ {
		assert.Equal(t, got[i-1]+1, got[i], "epoch ids increase by one")
	}
	assert.Equal(t, uint64(1), got[0], "first epoch follows the durable one")
}

func TestManagerTerminatesAfterAllSourcesExhausted(t *testing.T) {
	m := testManager(t, []string{"a", "b"}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ackPump(ctx, m, "a", types.OpIdentifier{TxID: 1})
	go ackPump(ctx, m, "b", types.OpIdentifier{TxID: 2})

	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(ctx) }()

	m.SourceExhausted("a")
	select {
	case <-m.Terminated():
		t.Fatal("terminated with one source still live")
	case <-time.After(50 * time.Millisecond):
	}

	m.SourceExhausted("b")
	select {
	case <-m.Terminated():
	case <-time.After(5 * time.Second):
		t.Fatal("manager did not terminate")
	}
	require.NoError(t, waitErr(t, errCh))
}

func TestManagerCommitTimeout(t *testing.T) {
	m := NewManager(Config{
		Interval:      time.Millisecond,
		CommitTimeout: 50 * time.Millisecond,
	}, nil, 1, []string{"src"}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Consume commit requests but never acknowledge.
	go func() {
		ch := m.CommitRequests("src")
		for {
			select {
			case <-ch:
			case <-ctx.Done():
				return
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(ctx) }()
	m.Shutdown()

	err := waitErr(t, errCh)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCommitTimeout)
}

func waitErr(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("manager did not stop")
		return nil
	}
}
