// Package command implements the chat command interface: parsing, handling and the update listener.
package command

import (
	"strconv"
	"strings"
)

// Command is one parsed chat command. The set of variants is closed.
type Command interface {
	command()
}

// Help asks for the command list.
type Help struct{}

// Start registers the chat as a subscriber.
type Start struct{}

// Add stores a new query.
type Add struct {
	Text string
}

// List shows the stored queries.
type List struct{}

// Remove deletes queries by id. Invalid holds the arguments that were not ids.
type Remove struct {
	IDs     []int
	Invalid []string
}

// Clear deletes every query.
type Clear struct{}

// Stop removes the subscriber and all of its queries.
type Stop struct{}

// Unknown is anything that is not a supported command.
type Unknown struct {
	Text string
}

func (Help) command()    {}
func (Start) command()   {}
func (Add) command()     {}
func (List) command()    {}
func (Remove) command()  {}
func (Clear) command()   {}
func (Stop) command()    {}
func (Unknown) command() {}

// Parse turns message text into a Command. It never fails; unsupported input
// becomes Unknown. A "@botname" suffix on the command word is ignored.
func Parse(text string) Command {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return Unknown{Text: text}
	}

	name := strings.ToLower(fields[0])
	if i := strings.IndexByte(name, '@'); i > 0 {
		name = name[:i]
	}
	args := fields[1:]

	switch name {
	case "/help":
		return Help{}
	case "/start":
		return Start{}
	case "/add":
		return Add{Text: strings.Join(args, " ")}
	case "/list":
		return List{}
	case "/remove":
		var r Remove
		for _, arg := range args {
			id, err := strconv.Atoi(arg)
			if err != nil || id < 0 {
				r.Invalid = append(r.Invalid, arg)
				continue
			}
			r.IDs = append(r.IDs, id)
		}
		return r
	case "/clear":
		return Clear{}
	case "/stop":
		return Stop{}
	default:
		return Unknown{Text: text}
	}
}
