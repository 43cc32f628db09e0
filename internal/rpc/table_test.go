package rpc

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/MrSnakeDoc/fleetmesh/internal/codec"
)

func echo(ctx context.Context, req codec.Document) (codec.Document, error) {
	return req.Clone(), nil
}

func TestEndpointTableRegister(t *testing.T) {
	table := NewEndpointTable()

	require.NoError(t, table.HandleFunc("echo", echo))
	require.NoError(t, table.HandleFunc("info", echo))
	require.ErrorIs(t, table.HandleFunc("echo", echo), ErrDuplicateEndpoint)

	require.Equal(t, []string{"echo", "info"}, table.Names())

	table.Seal()
	require.True(t, table.Sealed())
	require.ErrorIs(t, table.HandleFunc("late", echo), ErrTableSealed)
	require.ErrorIs(t, table.Augment("echo", nil), ErrTableSealed)
	require.Equal(t, 2, table.Len())
}

func TestEndpointTableAugment(t *testing.T) {
	addStatus := func(ctx context.Context, req, resp codec.Document) codec.Document {
		return resp.Set("status", "ok")
	}

	t.Run("absent endpoint gets an empty base", func(t *testing.T) {
		table := NewEndpointTable()
		require.NoError(t, table.Augment("", addStatus))

		h, ok := table.Lookup("")
		require.True(t, ok)
		resp, err := h.Handle(context.Background(), codec.New())
		require.NoError(t, err)
		require.Equal(t, codec.Document{"status": "ok"}, resp)
		require.Equal(t, []string{""}, table.Names())
	})

	t.Run("owner fields are kept", func(t *testing.T) {
		table := NewEndpointTable()
		require.NoError(t, table.HandleFunc("", func(ctx context.Context, req codec.Document) (codec.Document, error) {
			return codec.Document{"players": 3}, nil
		}))
		require.NoError(t, table.Augment("", addStatus))

		h, _ := table.Lookup("")
		resp, err := h.Handle(context.Background(), codec.New())
		require.NoError(t, err)
		require.Equal(t, codec.Document{"players": 3, "status": "ok"}, resp)
		require.Equal(t, []string{""}, table.Names())
	})

	t.Run("owner failure is not masked", func(t *testing.T) {
		table := NewEndpointTable()
		boom := errors.New("boom")
		require.NoError(t, table.HandleFunc("info", func(ctx context.Context, req codec.Document) (codec.Document, error) {
			return nil, boom
		}))
		require.NoError(t, table.Augment("info", addStatus))

		h, _ := table.Lookup("info")
		_, err := h.Handle(context.Background(), codec.New())
		require.ErrorIs(t, err, boom)
	})
}
