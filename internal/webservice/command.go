package webservice

// CommandKind enumerates what the controller can be asked to do.
type CommandKind int

const (
	CommandStart CommandKind = iota
	CommandStop
)

const (
	StartCommandName = "webservice.start"
	StopCommandName  = "webservice.stop"
)

// Command is delivered to the controller through its ordered channel.
// Port overrides the configured preferred port for a Start; nil means use
// the configured value.
type Command struct {
	Kind CommandKind
	Port *int
}

// StartCommand requests an activation.
func StartCommand(port *int) Command { return Command{Kind: CommandStart, Port: port} }

// StopCommand requests a deactivation.
func StopCommand() Command { return Command{Kind: CommandStop} }

// Name makes Command routable through the command dispatcher.
func (c Command) Name() string {
	if c.Kind == CommandStop {
		return StopCommandName
	}
	return StartCommandName
}
