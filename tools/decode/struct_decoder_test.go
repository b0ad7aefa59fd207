package decode

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
)

type groupPayload struct {
	GroupName string   `json:"group_name"`
	Creator   string   `json:"creator"`
	Members   []string `json:"members"`
	Size      int64    `json:"size"`
	IsGroup   bool     `json:"isGroup"`
}

func TestDecodeFieldsSplitsCommaLists(t *testing.T) {
	out, err := DecodeFields[groupPayload](map[string]string{
		"group_name": "g1",
		"creator":    "alice",
		"members":    "alice, bob,,carol",
		"size":       "42",
		"isGroup":    "true",
	})
	require.NoError(t, err)
	require.Equal(t, "g1", out.GroupName)
	require.Equal(t, []string{"alice", "bob", "carol"}, out.Members)
	require.EqualValues(t, 42, out.Size)
	require.True(t, out.IsGroup)
}

func TestDecodeFieldsEmptyList(t *testing.T) {
	out, err := DecodeFields[groupPayload](map[string]string{"members": ""})
	require.NoError(t, err)
	require.Empty(t, out.Members)
}

func TestDecodeStruct(t *testing.T) {
	st, err := structpb.NewStruct(map[string]any{
		"group_name": "g1",
		"members":    []any{"a", "b"},
		"size":       float64(7),
	})
	require.NoError(t, err)

	out, err := DecodeStruct[groupPayload](st)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, out.Members)
	require.EqualValues(t, 7, out.Size)

	s, err := ReadString(st, "group_name")
	require.NoError(t, err)
	require.Equal(t, "g1", s)

	_, err = ReadString(st, "missing")
	require.Error(t, err)

	list, err := ReadStringSlice(st, "members")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, list)
}
