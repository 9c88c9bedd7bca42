package correlate

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jx-codes/lootbox/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterDuplicateIDFails(t *testing.T) {
	tbl := New()
	_, err := tbl.Register("c1", "sess1", "w1", time.Second)
	require.NoError(t, err)

	_, err = tbl.Register("c1", "sess1", "w1", time.Second)
	assert.Error(t, err)
}

func TestResolveDeliversData(t *testing.T) {
	tbl := New()
	done, err := tbl.Register("c1", "sess1", "w1", time.Second)
	require.NoError(t, err)

	tbl.Resolve("c1", json.RawMessage(`{"ok":true}`))

	out := <-done
	assert.Equal(t, protocol.ErrorKind(""), out.Kind)
	assert.JSONEq(t, `{"ok":true}`, string(out.Data))
	assert.Equal(t, 0, tbl.Len())
}

func TestResolveIsIdempotent(t *testing.T) {
	tbl := New()
	done, err := tbl.Register("c1", "sess1", "w1", time.Second)
	require.NoError(t, err)

	tbl.Resolve("c1", json.RawMessage(`1`))
	tbl.Reject("c1", protocol.ErrWorkerLost) // late/duplicate, must be a no-op

	out := <-done
	assert.Equal(t, protocol.ErrorKind(""), out.Kind, "first completion wins")

	select {
	case <-done:
		t.Fatal("expected only one delivery on the done channel")
	default:
	}
}

func TestTimeoutRejectsAndDropsLateResolve(t *testing.T) {
	tbl := New()
	done, err := tbl.Register("c1", "sess1", "w1", 10*time.Millisecond)
	require.NoError(t, err)

	out := <-done
	assert.Equal(t, protocol.ErrTimeout, out.Kind)

	// A worker reply arriving after the deadline must be silently dropped,
	// not delivered as a second outcome.
	tbl.Resolve("c1", json.RawMessage(`1`))
	assert.Equal(t, 0, tbl.Len())
}

func TestCancelBySessionRejectsOnlyThatSessionsCalls(t *testing.T) {
	tbl := New()
	done1, _ := tbl.Register("c1", "sess1", "w1", time.Minute)
	done2, _ := tbl.Register("c2", "sess2", "w1", time.Minute)

	tbl.CancelBySession("sess1")

	out1 := <-done1
	assert.Equal(t, protocol.ErrClientGone, out1.Kind)
	assert.Equal(t, 1, tbl.Len())

	tbl.Reject("c2", protocol.ErrFunctionError)
	out2 := <-done2
	assert.Equal(t, protocol.ErrFunctionError, out2.Kind)
}

func TestCancelByWorkerRejectsWorkerLost(t *testing.T) {
	tbl := New()
	done, _ := tbl.Register("c1", "sess1", "w1", time.Minute)

	tbl.CancelByWorker("w1", protocol.ErrWorkerLost)

	out := <-done
	assert.Equal(t, protocol.ErrWorkerLost, out.Kind)
}

func TestConcurrentRegisterResolveIsRaceFree(t *testing.T) {
	tbl := New()
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := string(rune('a' + i%26))
			done, err := tbl.Register(id+string(rune(i)), "sess", "w1", time.Second)
			if err != nil {
				return
			}
			tbl.Resolve(id+string(rune(i)), json.RawMessage(`1`))
			<-done
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, tbl.Len())
}
