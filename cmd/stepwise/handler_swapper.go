package main

import (
	"net/http"
	"sync/atomic"
)

// handlerSwapper serves through whichever handler was installed last, so a
// blueprint reload can replace the runtime's routes without restarting the
// listener.
type handlerSwapper struct {
	current atomic.Pointer[http.Handler]
}

func newHandlerSwapper(h http.Handler) *handlerSwapper {
	s := &handlerSwapper{}
	s.Swap(h)
	return s
}

func (s *handlerSwapper) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	(*s.current.Load()).ServeHTTP(w, r)
}

// Swap installs h for all subsequent requests.
func (s *handlerSwapper) Swap(h http.Handler) {
	s.current.Store(&h)
}
