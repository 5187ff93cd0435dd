package chat

import (
	"strings"
	"unicode"
)

const maxNameLength = 32

type CommandKind int

const (
	CmdEmpty CommandKind = iota
	CmdText
	CmdExit
	CmdRejoin
	CmdJoin
	CmdSend
	CmdYes
	CmdNo
	CmdUsers
	CmdRooms
	CmdHelp
)

var commandNames = map[CommandKind]string{
	CmdEmpty:  "empty",
	CmdText:   "text",
	CmdExit:   "exit",
	CmdRejoin: "rejoin",
	CmdJoin:   "join",
	CmdSend:   "send",
	CmdYes:    "yes",
	CmdNo:     "no",
	CmdUsers:  "users",
	CmdRooms:  "rooms",
	CmdHelp:   "help",
}

func (k CommandKind) String() string {
	if name, ok := commandNames[k]; ok {
		return name
	}
	return "unknown"
}

// Command is one parsed inbound frame. Arg holds the text for CmdText, the
// room for CmdJoin and the filename for CmdSend, CmdYes and CmdNo.
type Command struct {
	Kind CommandKind
	Arg  string
}

var argVerbs = []struct {
	prefix string
	kind   CommandKind
}{
	{"SEND ", CmdSend},
	{"YES ", CmdYes},
	{"NO ", CmdNo},
	{"/join ", CmdJoin},
}

// ParseCommand classifies a frame. Anything that is not a well-formed verb is
// chat text, including unknown slash commands.
func ParseCommand(line string) Command {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return Command{Kind: CmdEmpty}
	}

	switch line {
	case "EXIT":
		return Command{Kind: CmdExit}
	case "REJOIN":
		return Command{Kind: CmdRejoin}
	case "/users":
		return Command{Kind: CmdUsers}
	case "/rooms":
		return Command{Kind: CmdRooms}
	case "/help":
		return Command{Kind: CmdHelp}
	}

	for _, v := range argVerbs {
		if arg, ok := strings.CutPrefix(line, v.prefix); ok {
			if arg = strings.TrimSpace(arg); arg != "" {
				return Command{Kind: v.kind, Arg: arg}
			}
		}
	}
	return Command{Kind: CmdText, Arg: line}
}

// ValidName reports whether s can be used as a display name or room name.
func ValidName(s string) bool {
	if s == "" || len(s) > maxNameLength || strings.Contains(s, "..") {
		return false
	}
	return strings.IndexFunc(s, func(r rune) bool {
		return r == '/' || r == '\\' || unicode.IsControl(r)
	}) < 0
}

const helpText = "COMMANDS: EXIT | REJOIN | /join <room> | /users | /rooms | SEND <file> | YES <file> | NO <file>"
