package stock

type Status string

const (
	StatusActive    Status = "active"
	StatusConfirmed Status = "confirmed"
	StatusReleased  Status = "released"
	StatusExpired   Status = "expired"
)

var validNext = map[Status]map[Status]bool{
	StatusActive:    {StatusConfirmed: true, StatusReleased: true, StatusExpired: true},
	StatusConfirmed: {},
	StatusReleased:  {},
	StatusExpired:   {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

func (s Status) Terminal() bool {
	next, ok := validNext[s]
	return ok && len(next) == 0
}
