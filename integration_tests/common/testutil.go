//go:build integration

package common

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/TommyLike/mailman/commands"
	"github.com/TommyLike/mailman/config"
	"github.com/TommyLike/mailman/digest"
	"github.com/TommyLike/mailman/mailinglist"
	"github.com/TommyLike/mailman/server/lmtp"
	"github.com/TommyLike/mailman/templates"
	"github.com/TommyLike/mailman/testutils"
)

type TestServer struct {
	Address string
	Store   *testutils.TestDatabase
	Mailer  *testutils.RecordingMailer
	Digests *digest.Engine
	cleanup func()
}

func (ts *TestServer) Close() {
	if ts.cleanup != nil {
		ts.cleanup()
	}
}

func SkipIfDatabaseUnavailable(t *testing.T) {
	t.Helper()
	if os.Getenv("SKIP_INTEGRATION_TESTS") == "1" {
		t.Skip("Integration tests disabled via SKIP_INTEGRATION_TESTS=1")
	}
}

// SetupStore returns an empty PostgreSQL store holding a single list, devel.
func SetupStore(t *testing.T) *testutils.TestDatabase {
	t.Helper()
	SkipIfDatabaseUnavailable(t)

	store := testutils.SetupTestDatabase(t)
	devel := testutils.TestList("devel")
	devel.Owner = "alice@example.org"
	testutils.CreateTestList(t, store, devel)
	return store
}

// Member reads a member of list straight from the store, nil when absent.
func Member(t *testing.T, store mailinglist.Store, list, email string) *mailinglist.Member {
	t.Helper()
	var m *mailinglist.Member
	err := store.WithListLock(context.Background(), list, func(ctx context.Context, tx mailinglist.Tx) error {
		m, _ = tx.GetMember(ctx, email)
		return nil
	})
	if err != nil {
		t.Fatalf("Failed to read member %s: %v", email, err)
	}
	return m
}

func SetupLMTPServer(t *testing.T) *TestServer {
	t.Helper()

	store := SetupStore(t)
	mailer := &testutils.RecordingMailer{}
	renderer := templates.New("")
	dispatcher := commands.NewDispatcher(renderer, commands.Site{Hostname: "example.com", PasswordCost: 4}, 0)
	digests := digest.New(store, renderer, mailer, digest.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	server, err := lmtp.New(ctx, &config.LMTPConfig{Hostname: "lists.example.com"}, lmtp.NewRouter(store, dispatcher, digests, mailer))
	if err != nil {
		cancel()
		t.Fatalf("Failed to create LMTP server: %v", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		cancel()
		t.Fatalf("Failed to listen: %v", err)
	}

	errChan := make(chan error, 1)
	go server.Serve(listener, errChan)

	ts := &TestServer{
		Address: listener.Addr().String(),
		Store:   store,
		Mailer:  mailer,
		Digests: digests,
	}
	ts.cleanup = func() {
		cancel()
		if err := server.Close(); err != nil {
			t.Logf("Error closing LMTP server: %v", err)
		}
		select {
		case err := <-errChan:
			if err != nil {
				t.Logf("LMTP server error during shutdown: %v", err)
			}
		case <-time.After(1 * time.Second):
		}
	}
	t.Cleanup(ts.Close)
	return ts
}
