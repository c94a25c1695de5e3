package testutils

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/require"

	"github.com/TommyLike/mailman/config"
	"github.com/TommyLike/mailman/db"
	"github.com/TommyLike/mailman/localdb"
	"github.com/TommyLike/mailman/mailinglist"
)

// TestDatabase wraps the PostgreSQL store for testing
type TestDatabase struct {
	*db.Database
	Config *config.Config
}

// SetupTestDatabase connects to the PostgreSQL database named in
// config-test.toml and applies the migrations. The test is skipped in short
// mode or when the database cannot be reached.
func SetupTestDatabase(t *testing.T) *TestDatabase {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping database integration test in short mode")
	}

	configPath, err := findTestConfig()
	require.NoError(t, err, "config-test.toml not found. Please ensure it exists in the project root")

	cfg := config.NewDefaultConfig()
	_, err = toml.DecodeFile(configPath, &cfg)
	require.NoError(t, err, "Failed to load test config. Please check config-test.toml syntax")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	database, err := db.NewDatabaseFromConfig(ctx, &cfg.Database, true)
	if err != nil {
		t.Skipf("PostgreSQL not reachable (%v), skipping", err)
	}

	td := &TestDatabase{Database: database, Config: &cfg}
	td.TruncateAllTables(t)
	t.Cleanup(func() { td.Database.Close() })
	return td
}

// findTestConfig walks up the directory tree to find config-test.toml
func findTestConfig() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		configPath := filepath.Join(dir, "config-test.toml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", fmt.Errorf("config-test.toml not found in current directory or any parent directory")
}

// TruncateAllTables cleans all data from test database tables
func (td *TestDatabase) TruncateAllTables(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	tables := []string{
		"locks",
		"digest_messages",
		"digest_state",
		"held_subscriptions",
		"pending_requests",
		"members",
		"lists",
	}
	for _, table := range tables {
		_, err := td.Database.Pool.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table))
		require.NoError(t, err)
	}
}

// NewLocalStore opens a migrated SQLite store in the test's temp directory.
func NewLocalStore(t *testing.T) *localdb.Store {
	t.Helper()
	store, err := localdb.Open(filepath.Join(t.TempDir(), "mailman.db"))
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

// TestList returns a ready list on example.com with a confirm policy and
// both delivery modes allowed.
func TestList(name string) *mailinglist.List {
	return &mailinglist.List{
		Name:            name,
		Host:            "example.com",
		RealName:        name,
		Owner:           name + "-owner@example.com",
		Advertised:      true,
		SubscribePolicy: mailinglist.PolicyConfirm,
		Digestable:      true,
		Nondigestable:   true,
		DigestFrequency: mailinglist.FrequencyMonthly,
		Ready:           true,
	}
}

// CreateTestList stores l and returns it as read back from the store.
func CreateTestList(t *testing.T, store mailinglist.Store, l *mailinglist.List) *mailinglist.List {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.CreateList(ctx, l))
	got, err := store.GetList(ctx, l.Name)
	require.NoError(t, err)
	return got
}

// AddTestMember subscribes email to list directly, bypassing policy.
func AddTestMember(t *testing.T, store mailinglist.Store, list, email, password string, digest bool, opts mailinglist.Option) {
	t.Helper()
	hash, err := mailinglist.HashPassword(password, 4)
	require.NoError(t, err)
	err = store.WithListLock(context.Background(), list, func(ctx context.Context, tx mailinglist.Tx) error {
		return tx.InsertMember(ctx, &mailinglist.Member{
			Email:        email,
			PasswordHash: hash,
			Digest:       digest,
			Options:      opts,
			SubscribedAt: time.Now(),
		})
	})
	require.NoError(t, err)
}
