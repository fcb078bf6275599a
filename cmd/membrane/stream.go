// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/membrane/services/membrane"
)

// Stream period bounds for /v1/stream.
const (
	defaultStreamEvery = time.Second
	minStreamEvery     = 100 * time.Millisecond
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
	// Same-host dashboards only; the bearer check already ran.
	CheckOrigin: func(*http.Request) bool { return true },
}

// streamSnapshots upgrades to a websocket and writes one snapshot per
// period until the client disconnects or the request context ends.
func streamSnapshots(m *membrane.Membrane, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		every, err := time.ParseDuration(c.DefaultQuery("every", defaultStreamEvery.String()))
		if err != nil || every < minStreamEvery {
			c.JSON(http.StatusBadRequest, gin.H{"error": "every must be a duration of at least " + minStreamEvery.String()})
			return
		}
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn("websocket upgrade failed", "error", err)
			return
		}
		defer ws.Close()

		// Reader goroutine notices client close frames.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := ws.NextReader(); err != nil {
					return
				}
			}
		}()

		ctx := c.Request.Context()
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			if err := ws.WriteJSON(m.Snapshot()); err != nil {
				log.Debug("stream write", "error", err)
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-closed:
				return
			case <-t.C:
			}
		}
	}
}
