package chat

import (
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startRoom(t *testing.T, name string, members ...Member) *Room {
	t.Helper()
	r := newRoom(name, 64, nil)
	t.Cleanup(func() {
		r.Stop()
		r.Wait()
	})
	for _, m := range members {
		added, err := r.AddMember(m)
		require.NoError(t, err)
		require.True(t, added)
	}
	return r
}

func TestRoom_BroadcastSkipsSender(t *testing.T) {
	alice := newTestMember(1, "alice")
	bob := newTestMember(2, "bob")
	carol := newTestMember(3, "carol")
	r := startRoom(t, "lobby", alice, bob, carol)

	_, err := r.Enqueue(Message{Sender: alice.ID(), SenderName: "alice", Kind: KindText, Payload: "hello"})
	require.NoError(t, err)

	assert.Equal(t, "alice: hello", waitForPrefix(t, bob.out, "alice: "))
	assert.Equal(t, "alice: hello", waitForPrefix(t, carol.out, "alice: "))
	assert.Empty(t, alice.out)
}

func TestRoom_FanOutPreservesEnqueueOrder(t *testing.T) {
	alice := newTestMember(1, "alice")
	bob := newTestMember(2, "bob")
	r := startRoom(t, "lobby", alice, bob)

	var last uint64
	for i := 0; i < 100; i++ {
		seq, err := r.Enqueue(Message{Sender: alice.ID(), SenderName: "alice", Kind: KindText, Payload: fmt.Sprint(i)})
		require.NoError(t, err)
		require.Greater(t, seq, last)
		last = seq
	}
	for i := 0; i < 100; i++ {
		require.Equal(t, fmt.Sprintf("alice: %d", i), <-bob.out)
	}
}

func TestRoom_DuplicateAddAndRemove(t *testing.T) {
	alice := newTestMember(1, "alice")
	bob := newTestMember(2, "bob")
	r := startRoom(t, "lobby", alice, bob)

	added, err := r.AddMember(alice)
	require.NoError(t, err)
	assert.False(t, added)

	removed, err := r.RemoveMember(bob)
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = r.RemoveMember(bob)
	require.NoError(t, err)
	assert.False(t, removed)

	names, err := r.Members()
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, names)

	carol := newTestMember(3, "carol")
	_, err = r.AddMember(carol)
	require.NoError(t, err)
	_, err = r.Enqueue(Message{Sender: carol.ID(), SenderName: "carol", Kind: KindText, Payload: "hi"})
	require.NoError(t, err)
	waitForPrefix(t, alice.out, "carol: hi")
	assert.Empty(t, bob.out, "removed member must not receive broadcasts")
}

func TestRoom_FileOfferAnnouncement(t *testing.T) {
	alice := newTestMember(1, "alice")
	bob := newTestMember(2, "bob")
	carol := newTestMember(3, "carol")
	r := startRoom(t, "lobby", alice, bob, carol)

	var announced []uint32
	_, err := r.Enqueue(Message{
		Sender:     alice.ID(),
		SenderName: "alice",
		Kind:       KindFileOffer,
		Payload:    "report.pdf",
		Size:       10,
		Announced:  func(ids []uint32) { announced = ids },
	})
	require.NoError(t, err)

	line := waitForPrefix(t, bob.out, "CLIENT alice")
	assert.Equal(t, "CLIENT alice wants to send report.pdf (10 bytes). Reply YES report.pdf or NO report.pdf", line)
	waitForPrefix(t, carol.out, "CLIENT alice wants to send report.pdf")
	assert.Equal(t, []uint32{2, 3}, announced)
}

func TestRoom_SlowMemberDoesNotBlockOthers(t *testing.T) {
	alice := newTestMember(1, "alice")
	stuck := &testMember{id: 2, name: "stuck", out: make(chan string)}
	bob := newTestMember(3, "bob")
	r := startRoom(t, "lobby", alice, stuck, bob)

	before := testutil.ToFloat64(DroppedLines)
	_, err := r.Enqueue(Message{Sender: alice.ID(), SenderName: "alice", Kind: KindText, Payload: "hello"})
	require.NoError(t, err)

	waitForPrefix(t, bob.out, "alice: hello")
	assert.Equal(t, float64(1), testutil.ToFloat64(DroppedLines)-before)
}

func TestRoom_StoppedRoomRejectsEvents(t *testing.T) {
	r := newRoom("lobby", 1, nil)
	r.Stop()
	r.Wait()

	_, err := r.AddMember(newTestMember(1, "alice"))
	assert.ErrorIs(t, err, ErrRoomClosed)
	_, err = r.Enqueue(Message{Kind: KindText, Payload: "x"})
	assert.ErrorIs(t, err, ErrRoomClosed)
	_, err = r.Members()
	assert.ErrorIs(t, err, ErrRoomClosed)
}
