package protocol

import "strings"

type Command string

const (
	PING       Command = "PING"
	ECHO       Command = "ECHO"
	QUIT       Command = "QUIT"
	GET        Command = "GET"
	SET        Command = "SET"
	DEL        Command = "DEL"
	EXISTS     Command = "EXISTS"
	INCR       Command = "INCR"
	PUBLISH    Command = "PUBLISH"
	SUBSCRIBE  Command = "SUBSCRIBE"
	PSUBSCRIBE Command = "PSUBSCRIBE"
	MONITOR    Command = "MONITOR"
)

// streamingCommands keep pushing replies after the request is sent.
var streamingCommands = map[Command]struct{}{
	SUBSCRIBE:  {},
	PSUBSCRIBE: {},
	MONITOR:    {},
}

// NormalizeCommand returns the canonical, upper case, form of a command name.
func NormalizeCommand(name string) Command {
	return Command(strings.ToUpper(name))
}

// IsStreaming reports whether name is a command whose single request yields
// an unbounded sequence of replies. The comparison ignores case.
func IsStreaming(name string) bool {
	_, ok := streamingCommands[NormalizeCommand(name)]
	return ok
}

func (c Command) String() string {
	return string(c)
}
