// Copyright 2025 The FAIR Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/azapg/FAIR/sdk"
)

// dialPair upgrades a loopback connection and returns the server-side
// client plus the peer connection a subscriber would hold.
func dialPair(t *testing.T) (*Client, *websocket.Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	clientCh := make(chan *Client, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		c := NewClient(conn, nil)
		clientCh <- c
		c.Run()
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	peer, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { peer.Close() })

	select {
	case c := <-clientCh:
		return c, peer
	case <-time.After(2 * time.Second):
		t.Fatal("no client after dial")
		return nil, nil
	}
}

func TestClientDeliversEnvelopes(t *testing.T) {
	client, peer := dialPair(t)

	require.NoError(t, client.Send(sdk.NewLog(sdk.LevelInfo, "grading started")))

	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := peer.ReadMessage()
	require.NoError(t, err)

	var evt map[string]any
	require.NoError(t, json.Unmarshal(data, &evt))
	assert.Equal(t, "log", evt["type"])
}

func TestClientClosesOnCloseEnvelope(t *testing.T) {
	client, peer := dialPair(t)

	require.NoError(t, client.Send(sdk.NewClose("success")))

	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := peer.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(data), "close")

	client.Close()

	// The peer sees a normal close frame next.
	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = peer.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))

	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not close")
	}
}

func TestClientDropsSlowSubscriber(t *testing.T) {
	// A client whose pumps never run fills its buffer and gets dropped.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		require.NoError(t, err)

		c := NewClient(conn, nil)
		evt := sdk.NewLog(sdk.LevelInfo, "x")

		var sendErr error
		for i := 0; i < sendBuffer+1; i++ {
			if sendErr = c.Send(evt); sendErr != nil {
				break
			}
		}
		assert.ErrorIs(t, sendErr, ErrSlowClient)
		assert.Error(t, c.Send(evt), "closed client refuses further sends")
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	peer, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	peer.Close()
}
