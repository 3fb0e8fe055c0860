package client

import (
	"errors"
	"fmt"
	"strings"
)

const (
	CmdSell      = "sell"
	CmdBid       = "bid"
	CmdTerminate = "terminate"
	CmdPing      = "ping"
	CmdExit      = "exit"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrUsage          = errors.New("wrong number of arguments")
	ErrEmpty          = errors.New("empty command")
)

// Command is one operator line split on ':'.
type Command struct {
	Name string
	Args []string
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), ":")
}

// arity is the accepted argument count range per command.
var arity = map[string][2]int{
	CmdSell:      {2, 2},
	CmdBid:       {3, 3},
	CmdTerminate: {1, 1},
	CmdPing:      {0, 1},
	CmdExit:      {0, 0},
}

var usage = map[string]string{
	CmdSell:      "sell:<ticker>:<price>",
	CmdBid:       "bid:<ticker>:<price>:<targetPublicKeyHex>",
	CmdTerminate: "terminate:<ticker>",
	CmdPing:      "ping[:<targetPublicKeyHex>]",
	CmdExit:      "exit",
}

// ParseCommand splits line into a command and validates its arity.
func ParseCommand(line string) (Command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Command{}, ErrEmpty
	}
	parts := strings.Split(line, ":")
	cmd := Command{Name: strings.ToLower(strings.TrimSpace(parts[0]))}
	for _, a := range parts[1:] {
		cmd.Args = append(cmd.Args, strings.TrimSpace(a))
	}

	r, ok := arity[cmd.Name]
	if !ok {
		return cmd, fmt.Errorf("%w %q", ErrUnknownCommand, cmd.Name)
	}
	if n := len(cmd.Args); n < r[0] || n > r[1] {
		return cmd, fmt.Errorf("%w: usage %s", ErrUsage, usage[cmd.Name])
	}
	return cmd, nil
}
