package liskrover

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClient_Blocks_AcceptsBothEnvelopeShapes(t *testing.T) {
	for _, key := range []string{"blocks", "data"} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]interface{}{
				key: []nativeBlock{{ID: "b1", Height: 1}},
			})
		}))

		c, err := NewClient([]string{srv.URL}, false, nil)
		require.NoError(t, err)

		blocks, err := c.Blocks(context.Background(), 0, 10)
		srv.Close()
		require.NoError(t, err, key)
		require.Len(t, blocks, 1, key)
		require.Equal(t, "b1", blocks[0].ID, key)
	}
}

func TestClient_Blocks_ClampsPageLimit(t *testing.T) {
	var gotLimit string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotLimit = r.URL.Query().Get("limit")
		json.NewEncoder(w).Encode(map[string]interface{}{"data": []nativeBlock{}})
	}))
	defer srv.Close()

	c, err := NewClient([]string{srv.URL}, false, nil)
	require.NoError(t, err)

	_, err = c.Blocks(context.Background(), 0, 1000)
	require.NoError(t, err)
	require.Equal(t, "100", gotLimit)
}

func TestNewClient_RejectsAllBannedNodes(t *testing.T) {
	_, err := NewClient([]string{"http://a"}, false, []string{"http://a"})
	require.Error(t, err)
}

func TestClient_Transactions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "b1", r.URL.Query().Get("blockId"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []nativeTx{{ID: "t1", Type: 0}},
		})
	}))
	defer srv.Close()

	c, err := NewClient([]string{srv.URL}, false, nil)
	require.NoError(t, err)

	txs, err := c.Transactions(context.Background(), "b1")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.Equal(t, "t1", txs[0].ID)
}
