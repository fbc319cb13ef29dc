// Copyright (C) 2026 Parley Labs (dev@parleyhq.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package hub

import (
	"sync"

	"github.com/gorilla/websocket"
)

// wsTransport adapts a gorilla websocket connection to Transport.
// gorilla permits at most one concurrent writer, so sends serialize
// through a mutex; broadcasts from multiple request goroutines would
// otherwise corrupt frames.
type wsTransport struct {
	mu sync.Mutex
	ws *websocket.Conn
}

// NewWebSocketTransport wraps a websocket connection as a Transport.
// The transport takes over writing; the caller keeps reading.
func NewWebSocketTransport(ws *websocket.Conn) Transport {
	return &wsTransport{ws: ws}
}

func (t *wsTransport) Send(v any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ws.WriteJSON(v)
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ws.Close()
}
