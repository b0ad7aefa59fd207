package wire

import (
	"testing"

	"chatgate/tools/errs"

	"github.com/stretchr/testify/require"
)

func TestEncodeCommand(t *testing.T) {
	got := string(PrivateMessage("bob", "alice", "hi").Encode())
	require.Equal(t, "type:private_message|from:bob|to:alice|content:hi\n", got)

	got = string(CreateGroup("g1", "a", []string{"a", "b", "c"}).Encode())
	require.Equal(t, "type:create_group|group_name:g1|creator:a|members:a,b,c\n", got)

	got = string(GetHistory("alice", "g1", true).Encode())
	require.Equal(t, "type:get_history|target:g1|username:alice|isGroup:true\n", got)
}

func TestEncodeEscapesDelimiters(t *testing.T) {
	got := string(PrivateMessage("bob", "alice", "a|b\nc\r\nd").Encode())
	require.Equal(t, "type:private_message|from:bob|to:alice|content:a_PIPE_b_NEWLINE_c_NEWLINE_d\n", got)

	rec, err := Decode(got)
	require.NoError(t, err)
	require.Len(t, rec.Fields, 3)
	require.Equal(t, "a|b\nc\nd", Unescape(rec.Get("content")))
}

func TestEscapeRoundTrip(t *testing.T) {
	for _, s := range []string{"", "plain", "x|y", "line1\nline2", "under_score", "|\n|"} {
		require.Equal(t, s, Unescape(Escape(s)), s)
	}
}

func TestDecode(t *testing.T) {
	rec, err := Decode("type:message_sent|to:alice|status:ok|content:hi\n")
	require.NoError(t, err)
	require.Equal(t, "message_sent", rec.Type)
	require.Equal(t, "alice", rec.Get("to"))
	require.Equal(t, "ok", rec.Get("status"))
	require.True(t, rec.Has("content"))
	require.False(t, rec.Has("group"))

	// values may contain colons
	rec, err = Decode("type:system_message|content:time is 10:30")
	require.NoError(t, err)
	require.Equal(t, "time is 10:30", rec.Get("content"))
}

func TestDecodeMalformed(t *testing.T) {
	for _, line := range []string{"", "   \n", "from:bob|to:alice", "type:|x:y"} {
		_, err := Decode(line)
		require.True(t, errs.Is(err, errs.ErrMalformed), "line %q", line)
	}
}

func TestRecordTail(t *testing.T) {
	rec, err := Decode("type:history|target:g1|messages:alice:hi|bob:yo there")
	require.NoError(t, err)
	tail, ok := rec.Tail("messages")
	require.True(t, ok)
	require.Equal(t, "alice:hi|bob:yo there", tail)

	_, ok = rec.Tail("nope")
	require.False(t, ok)
}

func TestEventFromRecord(t *testing.T) {
	rec, _ := Decode("type:group_created|group_name:g1|creator:a|members:a,b,c")
	ev, err := EventFromRecord(rec)
	require.NoError(t, err)
	require.Equal(t, EventGroupCreated, ev.Type)
	require.Equal(t, "g1", ev.TargetGroup())
	require.Equal(t, []string{"a", "b", "c"}, ev.Members)
	require.NotZero(t, ev.Timestamp)

	rec, _ = Decode("type:incoming_call|from:a|to:b|isGroup:false|callerIp:10.0.0.1|callerUdpPort:4000")
	ev, err = EventFromRecord(rec)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1", ev.Extra["callerIp"])
	require.Equal(t, "4000", ev.Extra["callerUdpPort"])
}

func TestEventFromRecordRejects(t *testing.T) {
	rec, _ := Decode("type:online_users|users:a,b")
	_, err := EventFromRecord(rec)
	require.True(t, errs.Is(err, errs.ErrMalformed))

	rec, _ = Decode("type:group_message|from:a|content:hi")
	_, err = EventFromRecord(rec)
	require.True(t, errs.Is(err, errs.ErrMalformed))
}

func TestEventUnescapedOnce(t *testing.T) {
	rec, _ := Decode("type:private_message|from:bob|to:alice|content:a_PIPE_b")
	ev, err := EventFromRecord(rec)
	require.NoError(t, err)
	require.Equal(t, "a_PIPE_b", ev.Content)
	require.Equal(t, "a|b", ev.Unescaped().Content)
	// original stays escaped
	require.Equal(t, "a_PIPE_b", ev.Content)
}

func TestNeverReply(t *testing.T) {
	require.True(t, NeverReply(EventSystemMessage))
	require.False(t, NeverReply(EventGroupCreated))
	require.False(t, NeverReply("message_sent"))
}
