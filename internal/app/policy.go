package app

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	MarkSlow
	KickMember
	DropFrame
)

// Policy decides what happens to a connection whose outbound queue is full.
// It is consulted after the room lock is released.
type Policy interface {
	OnBackPressure(conn *Connection) BackpressureAction
}

type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(*Connection) BackpressureAction {
	return KickMember
}

// DropPolicy only drops the frame; the connection stays.
type DropPolicy struct{}

func (DropPolicy) OnBackPressure(*Connection) BackpressureAction {
	return DropFrame
}
