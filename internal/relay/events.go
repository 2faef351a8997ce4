// ABOUTME: Event hook registration and emission for relay lifecycle events
// ABOUTME: Handlers run outside locks; a panicking handler is contained and logged

package relay

// OnConnect registers a handler invoked after a connection authenticates.
func (s *Service) OnConnect(fn func(*Connection)) {
	s.hooksMu.Lock()
	s.onConnect = append(s.onConnect, fn)
	s.hooksMu.Unlock()
}

// OnDisconnect registers a handler invoked after a connection is removed.
func (s *Service) OnDisconnect(fn func(*Connection, string)) {
	s.hooksMu.Lock()
	s.onDisconnect = append(s.onDisconnect, fn)
	s.hooksMu.Unlock()
}

// OnBridgeUp registers a handler for bridge-connected transitions.
func (s *Service) OnBridgeUp(fn func(*Connection)) {
	s.hooksMu.Lock()
	s.onBridgeUp = append(s.onBridgeUp, fn)
	s.hooksMu.Unlock()
}

// OnBridgeDown registers a handler for bridge-disconnected transitions.
func (s *Service) OnBridgeDown(fn func(*Connection)) {
	s.hooksMu.Lock()
	s.onBridgeDown = append(s.onBridgeDown, fn)
	s.hooksMu.Unlock()
}

func (s *Service) emitConnect(conn *Connection) {
	s.hooksMu.Lock()
	handlers := append([]func(*Connection){}, s.onConnect...)
	s.hooksMu.Unlock()
	for _, fn := range handlers {
		s.safeCall(func() { fn(conn) })
	}
}

func (s *Service) emitDisconnect(conn *Connection, reason string) {
	s.hooksMu.Lock()
	handlers := append([]func(*Connection, string){}, s.onDisconnect...)
	s.hooksMu.Unlock()
	for _, fn := range handlers {
		s.safeCall(func() { fn(conn, reason) })
	}
}

func (s *Service) emitBridge(conn *Connection, up bool) {
	s.hooksMu.Lock()
	var handlers []func(*Connection)
	if up {
		handlers = append(handlers, s.onBridgeUp...)
	} else {
		handlers = append(handlers, s.onBridgeDown...)
	}
	s.hooksMu.Unlock()
	for _, fn := range handlers {
		s.safeCall(func() { fn(conn) })
	}
}

func (s *Service) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("event handler panicked", "panic", r)
		}
	}()
	fn()
}
