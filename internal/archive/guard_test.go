package archive_test

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/parley/internal/archive"
	"github.com/MrWong99/parley/internal/archive/mock"
)

func TestGuard(t *testing.T) {
	t.Parallel()

	errDown := errors.New("down")
	tests := []struct {
		name string
		call func(g *archive.Guard) error
		arm  func(s *mock.Store)
		// wantErr is true only for Ping, which passes errors through.
		wantErr bool
	}{
		{
			name: "WriteEntries",
			call: func(g *archive.Guard) error {
				return g.WriteEntries(context.Background(), []archive.Record{{SessionID: "s"}})
			},
			arm: func(s *mock.Store) { s.WriteErr = errDown },
		},
		{
			name: "EndSession",
			call: func(g *archive.Guard) error {
				return g.EndSession(context.Background(), archive.Summary{SessionID: "s"})
			},
			arm: func(s *mock.Store) { s.EndErr = errDown },
		},
		{
			name: "History",
			call: func(g *archive.Guard) error {
				recs, err := g.History(context.Background(), "s", 0)
				if recs == nil {
					return errors.New("nil records")
				}
				return err
			},
			arm: func(s *mock.Store) { s.HistoryErr = errDown },
		},
		{
			name:    "Ping",
			call:    func(g *archive.Guard) error { return g.Ping(context.Background()) },
			arm:     func(s *mock.Store) { s.PingErr = errDown },
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			store := &mock.Store{}
			g := archive.NewGuard(store)

			if err := tt.call(g); err != nil {
				t.Fatalf("healthy call: %v", err)
			}
			if g.IsDegraded() {
				t.Fatal("degraded after success")
			}

			tt.arm(store)
			err := tt.call(g)
			if tt.wantErr && !errors.Is(err, errDown) {
				t.Errorf("err = %v, want %v", err, errDown)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("err = %v, want nil", err)
			}
			if !g.IsDegraded() {
				t.Error("not degraded after failure")
			}

			store.Reset()
			store.WriteErr, store.EndErr, store.HistoryErr, store.PingErr = nil, nil, nil, nil
			if err := tt.call(g); err != nil {
				t.Fatalf("recovered call: %v", err)
			}
			if g.IsDegraded() {
				t.Error("still degraded after recovery")
			}
		})
	}
}
