// ABOUTME: Command envelope sent to probes to add or remove instruments
// ABOUTME: Payload is either instruments or bare locations for location-scoped removal

package instrument

import (
	"errors"
	"fmt"
)

// CommandType is ADD or REMOVE.
type CommandType string

const (
	CommandAdd    CommandType = "ADD"
	CommandRemove CommandType = "REMOVE"
)

// ErrInvalidCommand is returned by Command.Validate.
var ErrInvalidCommand = errors.New("invalid command")

// Command is the envelope delivered to a probe's capability sub-channel.
type Command struct {
	Type        CommandType  `json:"type"`
	Instruments []Instrument `json:"instruments,omitempty"`
	Locations   []Location   `json:"locations,omitempty"`
}

// AddCommand asks probes to apply the given instruments.
func AddCommand(insts ...*Instrument) Command {
	return Command{Type: CommandAdd, Instruments: derefAll(insts)}
}

// RemoveCommand asks probes to drop the given instruments.
func RemoveCommand(insts ...*Instrument) Command {
	return Command{Type: CommandRemove, Instruments: derefAll(insts)}
}

// RemoveLocationCommand asks probes to drop everything at the given locations.
func RemoveLocationCommand(locs ...Location) Command {
	return Command{Type: CommandRemove, Locations: locs}
}

func derefAll(insts []*Instrument) []Instrument {
	out := make([]Instrument, len(insts))
	for i, inst := range insts {
		out[i] = *inst
	}
	return out
}

// Validate checks the envelope shape.
func (c Command) Validate() error {
	switch c.Type {
	case CommandAdd:
		if len(c.Instruments) == 0 {
			return fmt.Errorf("%w: add without instruments", ErrInvalidCommand)
		}
		if len(c.Locations) > 0 {
			return fmt.Errorf("%w: add with locations", ErrInvalidCommand)
		}
	case CommandRemove:
		if len(c.Instruments) == 0 && len(c.Locations) == 0 {
			return fmt.Errorf("%w: empty remove", ErrInvalidCommand)
		}
	default:
		return fmt.Errorf("%w: type %q", ErrInvalidCommand, c.Type)
	}
	return nil
}
