package protocols

import "time"

type Sleeper interface {
	Sleep(duration time.Duration)
}

type Clock interface {
	Now() time.Time
}
