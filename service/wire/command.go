package wire

import (
	"strconv"
	"strings"
)

// 后端行协议动词
const (
	VerbLogin          = "login"
	VerbLogout         = "logout"
	VerbPrivateMessage = "private_message"
	VerbGroupMessage   = "group_message"
	VerbCreateGroup    = "create_group"
	VerbJoinGroup      = "join_group"
	VerbGetGroups      = "get_groups"
	VerbGetHistory     = "get_history"
	VerbGetOnlineUsers = "get_online_users"
	VerbAudio          = "audio"
	VerbGroupAudio     = "group_audio"
)

// 登录哨兵
const (
	TypeLoginSuccess = "login_success"
	TypeLoginError   = "login_error"
	TypeError        = "error"
)

// Command is an outgoing request: a verb and its ordered fields.
type Command struct {
	Verb   string
	Fields []Field
}

// NewCommand builds a command from alternating key, value arguments.
func NewCommand(verb string, kv ...string) Command {
	c := Command{Verb: verb, Fields: make([]Field, 0, len(kv)/2)}
	for i := 0; i+1 < len(kv); i += 2 {
		c.Fields = append(c.Fields, Field{Key: kv[i], Value: kv[i+1]})
	}
	return c
}

// Encode renders `type:<verb>|k:v|...\n` with every value escaped.
func (c Command) Encode() []byte {
	var b strings.Builder
	b.WriteString(typeKey)
	b.WriteString(kvSep)
	b.WriteString(c.Verb)
	for _, f := range c.Fields {
		b.WriteString(fieldSep)
		b.WriteString(f.Key)
		b.WriteString(kvSep)
		b.WriteString(Escape(f.Value))
	}
	b.WriteByte('\n')
	return []byte(b.String())
}

func (c Command) String() string {
	return strings.TrimSuffix(string(c.Encode()), "\n")
}

func Login(username string) Command  { return NewCommand(VerbLogin, "username", username) }
func Logout(username string) Command { return NewCommand(VerbLogout, "username", username) }

func PrivateMessage(from, to, content string) Command {
	return NewCommand(VerbPrivateMessage, "from", from, "to", to, "content", content)
}

func GroupMessage(from, group, content string) Command {
	return NewCommand(VerbGroupMessage, "from", from, "group_name", group, "content", content)
}

func CreateGroup(group, creator string, members []string) Command {
	return NewCommand(VerbCreateGroup, "group_name", group, "creator", creator, "members", strings.Join(members, ","))
}

func JoinGroup(username, group string) Command {
	return NewCommand(VerbJoinGroup, "group_name", group, "username", username)
}

func GetGroups(username string) Command { return NewCommand(VerbGetGroups, "username", username) }

func GetOnlineUsers(username string) Command {
	return NewCommand(VerbGetOnlineUsers, "username", username)
}

func GetHistory(username, target string, isGroup bool) Command {
	return NewCommand(VerbGetHistory, "target", target, "username", username, "isGroup", strconv.FormatBool(isGroup))
}

func Audio(from, to, audioID string) Command {
	return NewCommand(VerbAudio, "from", from, "to", to, "audio_id", audioID)
}

func GroupAudio(from, group, audioID string) Command {
	return NewCommand(VerbGroupAudio, "from", from, "group_name", group, "audio_id", audioID)
}
