package generator

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wataruoguchi/emmett-go/internal/eventlog"
)

func marshal(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestEvolve_AccumulatesReadings(t *testing.T) {
	events := []eventlog.Message{
		{StreamID: "generator-a1", MessageType: EventReadingRecorded, MessageData: marshal(t, ReadingRecorded{Watts: 100})},
		{StreamID: "generator-a1", MessageType: EventReadingRecorded, MessageData: marshal(t, ReadingRecorded{Watts: 50})},
	}

	var state interface{} = InitialState()
	for _, e := range events {
		state = Evolve(state, e)
	}

	s := state.(*State)
	require.Equal(t, 2, s.ReadingCount)
	require.Equal(t, 150, s.TotalWatts)
}

func TestExtractKeys_KeysByPartitionAndStream(t *testing.T) {
	a1 := eventlog.Message{StreamID: "generator-a1"}
	a2 := eventlog.Message{StreamID: "generator-a2"}
	b1 := eventlog.Message{StreamID: "generator-b1"}

	keysA1 := ExtractKeys(a1, "tenant-a")
	keysA2 := ExtractKeys(a2, "tenant-a")
	keysB1 := ExtractKeys(b1, "tenant-b")

	// Projection rows are keyed by partition plus stream id: both partition-A
	// streams share the partition value and differ by stream id. Encryption
	// key sharing is decided by the crypto store, not by these keys.
	require.Equal(t, keysA1["partition"], keysA2["partition"])
	require.NotEqual(t, keysA1["partition"], keysB1["partition"])
	require.NotEqual(t, keysA1["stream_id"], keysA2["stream_id"])
}

func TestMapToColumns_ReflectsState(t *testing.T) {
	s := &State{ReadingCount: 3, TotalWatts: 300}
	cols := MapToColumns(s)
	require.Equal(t, 3, cols["reading_count"])
	require.Equal(t, 300, cols["total_watts"])
}
