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
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/membrane/services/membrane"
	dt "github.com/AleutianAI/membrane/services/membrane/datatypes"
)

func TestRouter_Stream(t *testing.T) {
	m := testMembrane(t, dt.SafetyHardened)
	healSome(t, m, 2)
	srv := httptest.NewServer(newRouter(m, nil, nil, nil, false))
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/stream?every=100ms"

	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer ws.Close()

	for i := range 2 {
		require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
		var snap membrane.Snapshot
		require.NoError(t, ws.ReadJSON(&snap), "frame %d", i)
		assert.Equal(t, "cli-test", snap.InstanceID)
		assert.Equal(t, uint64(2), snap.Pipeline.Healed)
	}
}

func TestRouter_StreamBadPeriod(t *testing.T) {
	m := testMembrane(t, dt.SafetyHardened)
	router := newRouter(m, nil, nil, nil, false)
	for _, q := range []string{"every=1ms", "every=soon"} {
		assert.Equal(t, http.StatusBadRequest, get(t, router, "/v1/stream?"+q).Code, q)
	}
}
