package broadcast

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/whisper/groupchat/internal/protocol"
)

type frame struct {
	to   string // "" for broadcast
	data []byte
}

type fakeTransport struct {
	mu     sync.Mutex
	frames []frame
	known  map[string]bool
}

func (f *fakeTransport) Broadcast(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame{data: data})
}

func (f *fakeTransport) SendMessage(connID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.known[connID] {
		return errors.New("connection not found")
	}
	f.frames = append(f.frames, frame{to: connID, data: data})
	return nil
}

func Test_Emit_Routes_And_Encodes(t *testing.T) {
	req := require.New(t)
	tr := &fakeTransport{known: map[string]bool{"c1": true}}
	d := NewDispatcher(slog.Default())
	d.SetTransport(tr)

	d.Emit(
		ToOne("c1", protocol.TypeOnlineCount, protocol.OnlineCountMsg{Count: 3}),
		ToAll(protocol.TypeMessageRemoved, protocol.MessageRemovedMsg{MessageID: "m-1"}),
		ToOne("gone", protocol.TypePong, protocol.PongMsg{}),
	)

	req.Len(tr.frames, 2)
	req.Equal("c1", tr.frames[0].to)
	req.JSONEq(`{"type":"online_count","count":3}`, string(tr.frames[0].data))
	req.Equal("", tr.frames[1].to)

	var removed map[string]string
	req.NoError(json.Unmarshal(tr.frames[1].data, &removed))
	req.Equal(map[string]string{"type": "message_removed", "message_id": "m-1"}, removed)
}

func Test_Emit_Without_Transport_Is_Dropped(t *testing.T) {
	d := NewDispatcher(slog.Default())
	d.Emit(ToAll(protocol.TypePong, protocol.PongMsg{}))
}

func Test_Emit_Skips_Unencodable_Payload(t *testing.T) {
	tr := &fakeTransport{}
	d := NewDispatcher(slog.Default())
	d.SetTransport(tr)

	d.Emit(ToAll("bad", make(chan int)), ToAll(protocol.TypePong, protocol.PongMsg{}))
	require.Len(t, tr.frames, 1)
}

func Test_Snapshot_Runs_After_Under_Lock(t *testing.T) {
	req := require.New(t)
	tr := &fakeTransport{known: map[string]bool{"c1": true}}
	d := NewDispatcher(slog.Default())
	d.SetTransport(tr)

	var order []string
	d.Snapshot(Catchup{
		ConnID: "c1",
		Since:  d.Mark(),
		State:  []Directive{ToOne("c1", protocol.TypeHistory, protocol.HistoryMsg{Messages: []protocol.Message{}})},
		Latest: func() []Directive {
			order = append(order, "latest")
			return []Directive{ToOne("c1", protocol.TypeOnlineCount, protocol.OnlineCountMsg{Count: 1})}
		},
	}, func() {
		order = append(order, "after")
		req.Len(tr.frames, 2, "snapshot must be delivered before after runs")
	})

	req.Equal([]string{"latest", "after"}, order)
	req.JSONEq(`{"type":"history","messages":[]}`, string(tr.frames[0].data))
	req.JSONEq(`{"type":"online_count","count":1}`, string(tr.frames[1].data))
}

func Test_Snapshot_Replays_Broadcasts_Since_Mark(t *testing.T) {
	req := require.New(t)
	tr := &fakeTransport{known: map[string]bool{"c1": true}}
	d := NewDispatcher(slog.Default())
	d.SetTransport(tr)

	d.Emit(ToAll(protocol.TypeMessageRemoved, protocol.MessageRemovedMsg{MessageID: "before"}))
	mark := d.Mark()
	// Emitted while the new connection's history was being read.
	d.Emit(ToAll(protocol.TypeMessageRemoved, protocol.MessageRemovedMsg{MessageID: "during"}))
	tr.frames = nil

	d.Snapshot(Catchup{
		ConnID: "c1",
		Since:  mark,
		State:  []Directive{ToOne("c1", protocol.TypeHistory, protocol.HistoryMsg{Messages: []protocol.Message{}})},
	}, nil)

	req.Len(tr.frames, 2)
	req.Equal(protocol.TypeHistory, decodeType(t, tr.frames[0].data))
	req.Equal("c1", tr.frames[1].to)
	req.JSONEq(`{"type":"message_removed","message_id":"during"}`, string(tr.frames[1].data))
}

func Test_Replay_Window_Is_Bounded(t *testing.T) {
	req := require.New(t)
	tr := &fakeTransport{known: map[string]bool{"c1": true}}
	d := NewDispatcher(slog.Default())
	d.SetTransport(tr)

	for range replayDepth + 10 {
		d.Emit(ToAll(protocol.TypePong, protocol.PongMsg{}))
	}
	req.Len(d.recent, replayDepth)
	req.Equal(uint64(replayDepth+10), d.recent[replayDepth-1].seq)
	req.Equal(uint64(11), d.recent[0].seq)

	tr.frames = nil
	d.Snapshot(Catchup{ConnID: "c1", Since: 0}, nil)
	req.Len(tr.frames, replayDepth, "only the retained window is replayed")
}

func decodeType(t *testing.T, data []byte) string {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &body))
	typ, _ := body["type"].(string)
	return typ
}
