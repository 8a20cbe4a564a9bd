package spam

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func testGate(t *testing.T, checker ReputationChecker, mode, database string, blocklist []string) (*Gate, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewGate(client, checker, mode, database, blocklist, zerolog.Nop()), mr
}

func TestCheckCleanRequest(t *testing.T) {
	gate, _ := testGate(t, nil, "both", "local", nil)
	err := gate.Check(context.Background(), Request{IP: "203.0.113.1", Mode: "api"})
	if err != nil {
		t.Fatalf("Check() clean request = %v", err)
	}
}

func TestCheckTrapField(t *testing.T) {
	gate, _ := testGate(t, nil, "both", "local", nil)
	err := gate.Check(context.Background(), Request{
		IP:   "203.0.113.1",
		Mode: "api",
		Trap: map[string]string{"age": "35"},
	})
	if !errors.Is(err, ErrBlocked) {
		t.Fatalf("Check() trap field = %v, want ErrBlocked", err)
	}
}

func TestTrapAndBlocklistIndistinguishable(t *testing.T) {
	gate, _ := testGate(t, nil, "both", "local", []string{"203.0.113.9"})

	trapErr := gate.Check(context.Background(), Request{
		IP: "203.0.113.1", Mode: "api", Trap: map[string]string{"zip": "90210"},
	})
	listErr := gate.Check(context.Background(), Request{IP: "203.0.113.9", Mode: "api"})

	if !errors.Is(trapErr, ErrBlocked) || !errors.Is(listErr, ErrBlocked) {
		t.Fatalf("trap = %v, blocklist = %v, want ErrBlocked for both", trapErr, listErr)
	}
	if trapErr.Error() != listErr.Error() {
		t.Fatalf("block reasons distinguishable: %q vs %q", trapErr, listErr)
	}
}

func TestCheckModeGate(t *testing.T) {
	gate, mr := testGate(t, nil, "form", "local", nil)
	mr.SAdd("murmur:blocklist", "203.0.113.5")

	// api requests skip the database when the gate only covers form posts
	if err := gate.Check(context.Background(), Request{IP: "203.0.113.5", Mode: "api"}); err != nil {
		t.Fatalf("Check() api mode = %v, want nil", err)
	}
	err := gate.Check(context.Background(), Request{IP: "203.0.113.5", Mode: "form"})
	if !errors.Is(err, ErrBlocked) {
		t.Fatalf("Check() form mode = %v, want ErrBlocked", err)
	}
}

func TestBlockAndUnblockAddress(t *testing.T) {
	gate, _ := testGate(t, nil, "both", "local", nil)
	ctx := context.Background()

	if err := gate.BlockAddress(ctx, "203.0.113.7"); err != nil {
		t.Fatalf("BlockAddress() = %v", err)
	}
	err := gate.Check(ctx, Request{IP: "203.0.113.7", Mode: "api"})
	if !errors.Is(err, ErrBlocked) {
		t.Fatalf("Check() after block = %v, want ErrBlocked", err)
	}

	if err := gate.UnblockAddress(ctx, "203.0.113.7"); err != nil {
		t.Fatalf("UnblockAddress() = %v", err)
	}
	if err := gate.Check(ctx, Request{IP: "203.0.113.7", Mode: "api"}); err != nil {
		t.Fatalf("Check() after unblock = %v, want nil", err)
	}
}

func TestCheckRemoteReputation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("ip") == "203.0.113.9" {
			w.Write([]byte(`{"blocked": true}`))
			return
		}
		w.Write([]byte(`{"blocked": false}`))
	}))
	defer server.Close()

	gate, _ := testGate(t, NewHTTPChecker(server.URL), "both", "remote", nil)
	ctx := context.Background()

	err := gate.Check(ctx, Request{IP: "203.0.113.9", Mode: "api"})
	if !errors.Is(err, ErrBlocked) {
		t.Fatalf("Check() listed address = %v, want ErrBlocked", err)
	}
	if err := gate.Check(ctx, Request{IP: "203.0.113.1", Mode: "api"}); err != nil {
		t.Fatalf("Check() clean address = %v", err)
	}
}

func TestCheckRemoteFailureIsNotBlocked(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	gate, _ := testGate(t, NewHTTPChecker(server.URL), "both", "remote", nil)
	err := gate.Check(context.Background(), Request{IP: "203.0.113.1", Mode: "api"})
	if err == nil {
		t.Fatal("Check() swallowed the reputation failure")
	}
	if errors.Is(err, ErrBlocked) {
		t.Fatalf("Check() reported a transport failure as a block: %v", err)
	}
}
