package chain

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"creditline/internal/domain"
)

func TestCanonicalIsKeySorted(t *testing.T) {
	b, err := Canonical(Intent{Kind: domain.OperationMint, Amount: "10", ProjectID: "P", ChainID: 1, Nonce: "n"})
	require.NoError(t, err)
	require.Equal(t, `{"amount":"10","chain_id":1,"kind":"mint","nonce":"n","project_id":"P"}`, string(b))

	h1, err := IntentHash(Intent{Kind: domain.OperationMint, Amount: "10", Nonce: "a"})
	require.NoError(t, err)
	h2, err := IntentHash(Intent{Kind: domain.OperationMint, Amount: "10", Nonce: "b"})
	require.NoError(t, err)
	require.NotEqual(t, h1, h2)
	require.Len(t, h1, 66)
}

func TestSimulatedConfirmsAfterPolls(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulated(2)
	hash, err := sim.Submit(ctx, Intent{Kind: domain.OperationMint, Amount: "5", Nonce: "1"})
	require.NoError(t, err)

	r, err := sim.Status(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, domain.TxPending, r.Status)
	r, err = sim.Status(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, domain.TxConfirmed, r.Status)

	_, err = sim.Submit(ctx, Intent{Kind: domain.OperationMint, Amount: "5", Nonce: "1"})
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestSimulatedFailuresAndOutage(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulated(1)
	sim.FailNext("reverted")
	hash, err := sim.Submit(ctx, Intent{Kind: domain.OperationBurn, Amount: "1", Nonce: "x"})
	require.NoError(t, err)
	r, err := sim.Status(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, domain.TxFailed, r.Status)
	require.Equal(t, "reverted", r.Error)

	sim.SetReachable(false)
	_, err = sim.Status(ctx, hash)
	require.ErrorIs(t, err, ErrUnreachable)
	sim.SetReachable(true)

	boom := errors.New("nonce too low")
	sim.RejectNext(boom)
	_, err = sim.Submit(ctx, Intent{Kind: domain.OperationBurn, Amount: "1", Nonce: "y"})
	require.ErrorIs(t, err, boom)
	_, err = sim.Status(ctx, "0xmissing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestHTTPClient(t *testing.T) {
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/intents":
			body, _ := io.ReadAll(r.Body)
			gotSig = r.Header.Get("X-Intent-Signature")
			require.Equal(t, sign("k", body), gotSig)
			_ = json.NewEncoder(w).Encode(map[string]string{"hash": "0xabc"})
		case r.URL.Path == "/transactions/0xabc":
			_ = json.NewEncoder(w).Encode(Receipt{Status: domain.TxConfirmed, Confirmations: 3})
		case r.URL.Path == "/transactions/0xdown":
			w.WriteHeader(http.StatusBadGateway)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL+"/", "k")
	ctx := context.Background()
	hash, err := c.Submit(ctx, Intent{Kind: domain.OperationMint, Amount: "1", Nonce: "z"})
	require.NoError(t, err)
	require.Equal(t, "0xabc", hash)
	require.NotEmpty(t, gotSig)

	r, err := c.Status(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, "0xabc", r.Hash)
	require.Equal(t, domain.TxConfirmed, r.Status)

	_, err = c.Status(ctx, "0xdown")
	require.ErrorIs(t, err, ErrUnreachable)
	_, err = c.Status(ctx, "0xnone")
	require.ErrorIs(t, err, domain.ErrNotFound)
}
