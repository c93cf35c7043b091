package interfaces

import "time"

// Clock is the time source used for every expiry decision
type Clock interface {
	Now() time.Time
}
