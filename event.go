package ddnio

// Event is one readiness notification, or one interest registration, for a descriptor.
type Event struct {
	sysFd int32
	event EventFlags
}

func (e Event) FD() int {
	return int(e.sysFd)
}

func (e Event) Flags() EventFlags {
	return e.event
}

func (e Event) Has(flags EventFlags) bool {
	return e.event&flags != 0
}

func NewEvent(sysFd int, event EventFlags) Event {
	return Event{
		sysFd: int32(sysFd),
		event: event,
	}
}
