package websocket

import "time"

// SetClock replaces the channel's time source and sleep function.
func SetClock(c *Channel, now func() time.Time, sleep func(time.Duration)) {
	c.now = now
	c.sleep = sleep
}

// PostOpened delivers a dial result as the background dialer would.
func PostOpened(c *Channel, sock Socket) bool {
	return c.post(event{kind: evOpened, sock: sock})
}

// Buffered reports how many background results are waiting for DoWork.
func Buffered(c *Channel) int {
	return len(c.events)
}
