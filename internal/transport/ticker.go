package transport

import "time"

type liveTicker struct {
	c    <-chan time.Time
	stop func()
}

func newLiveTicker() liveTicker {
	t := time.NewTicker(3 * time.Second)
	return liveTicker{c: t.C, stop: t.Stop}
}
