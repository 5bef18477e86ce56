package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/censys/scan-browser/pkg/storage"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	repo, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(repo.Close)
	return repo
}

func seed(t *testing.T, repo *Repository, records ...storage.ScanRecord) {
	t.Helper()
	ctx := context.Background()
	for _, rec := range records {
		require.NoError(t, repo.UpsertLatest(ctx, rec))
	}
}

func TestCreateDropDatabase(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	ok, err := repo.Initialized(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, repo.CreateDatabase(ctx))
	require.NoError(t, repo.CreateDatabase(ctx), "create must be idempotent")

	ok, err = repo.Initialized(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, repo.DropDatabase(ctx))
	ok, err = repo.Initialized(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpsertLatestHonorsNewestTimestamp(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	require.NoError(t, repo.CreateDatabase(ctx))

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := func(offset time.Duration, resp string) storage.ScanRecord {
		return storage.ScanRecord{IP: "1.1.1.1", Port: 80, Service: "HTTP", Timestamp: base.Add(offset), Response: resp}
	}
	seed(t, repo, rec(0, "old"), rec(time.Hour, "new"), rec(-time.Hour, "older"))

	var (
		response string
		seen     time.Time
	)
	err := repo.db.QueryRowContext(ctx,
		`SELECT response, last_scanned FROM ports WHERE ip = ? AND port = ? AND service = ?`,
		"1.1.1.1", 80, "HTTP").Scan(&response, &seen)
	require.NoError(t, err)
	assert.Equal(t, "new", response)
	assert.True(t, seen.Equal(base.Add(time.Hour)), "got %s", seen)

	hosts, err := repo.AllSummary(ctx)
	require.NoError(t, err)
	require.Len(t, hosts, 1)
	assert.True(t, hosts[0].LastScanned.Equal(base.Add(time.Hour)))
}

func TestUpsertOnionRoutingIsSticky(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	require.NoError(t, repo.CreateDatabase(ctx))

	now := time.Now().UTC()
	seed(t, repo,
		storage.ScanRecord{IP: "5.5.5.5", Port: 9001, Service: "TOR", Timestamp: now, OnionRouting: true},
		storage.ScanRecord{IP: "5.5.5.5", Port: 80, Service: "HTTP", Timestamp: now},
	)

	hosts, err := repo.AllSummary(ctx)
	require.NoError(t, err)
	require.Len(t, hosts, 1)
	assert.True(t, hosts[0].OnionRouting)
	assert.Equal(t, []int{80, 9001}, hosts[0].Ports())
}

func TestUpsertRejectsInvalidIP(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	require.NoError(t, repo.CreateDatabase(ctx))

	err := repo.UpsertLatest(ctx, storage.ScanRecord{IP: "999.1.1.1", Port: 80, Service: "HTTP", Timestamp: time.Now()})
	assert.ErrorIs(t, err, storage.ErrInvalidIP)
}

func TestFilteredSummary(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	require.NoError(t, repo.CreateDatabase(ctx))

	now := time.Now().UTC()
	seed(t, repo,
		storage.ScanRecord{IP: "1.2.3.4", Port: 9050, Service: "TOR", Timestamp: now, OnionRouting: true},
		storage.ScanRecord{IP: "1.2.3.4", Port: 22, Service: "SSH", Timestamp: now},
		storage.ScanRecord{IP: "5.6.7.8", Port: 9050, Service: "HTTP", Timestamp: now},
		storage.ScanRecord{IP: "9.9.9.9", Port: 443, Service: "HTTPS", Timestamp: now, OnionRouting: true},
	)

	ips := func(hosts []storage.HostSummary) []string {
		var out []string
		for _, h := range hosts {
			out = append(out, h.IP)
		}
		return out
	}

	tests := []struct {
		name  string
		build func(f *storage.Filter)
		want  []string
	}{
		{
			name:  "empty",
			build: func(*storage.Filter) {},
			want:  []string{"1.2.3.4", "5.6.7.8", "9.9.9.9"},
		},
		{
			name:  "onion routing",
			build: func(f *storage.Filter) { f.SetOnionRouting(true) },
			want:  []string{"1.2.3.4", "9.9.9.9"},
		},
		{
			name:  "port",
			build: func(f *storage.Filter) { require.NoError(t, f.AddPort(9050)) },
			want:  []string{"1.2.3.4", "5.6.7.8"},
		},
		{
			name:  "ip",
			build: func(f *storage.Filter) { require.NoError(t, f.AddIP("5.6.7.8")) },
			want:  []string{"5.6.7.8"},
		},
		{
			name: "all three",
			build: func(f *storage.Filter) {
				f.SetOnionRouting(true)
				require.NoError(t, f.AddPort(9050))
				require.NoError(t, f.AddIP("1.2.3.4"))
			},
			want: []string{"1.2.3.4"},
		},
		{
			name: "no match",
			build: func(f *storage.Filter) {
				f.SetOnionRouting(true)
				require.NoError(t, f.AddIP("5.6.7.8"))
			},
			want: nil,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := storage.NewFilter()
			tc.build(f)
			got, err := repo.FilteredSummary(ctx, f)
			require.NoError(t, err)
			assert.Equal(t, tc.want, ips(got))
		})
	}

	t.Run("port filter keeps the other ports of a host", func(t *testing.T) {
		f := storage.NewFilter()
		require.NoError(t, f.AddPort(9050))
		require.NoError(t, f.AddIP("1.2.3.4"))
		got, err := repo.FilteredSummary(ctx, f)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, []int{22, 9050}, got[0].Ports())
	})
}

func TestDeleteHost(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	require.NoError(t, repo.CreateDatabase(ctx))

	seed(t, repo, storage.ScanRecord{IP: "1.1.1.1", Port: 80, Service: "HTTP", Timestamp: time.Now()})

	deleted, err := repo.DeleteHost(ctx, "::ffff:1.1.1.1")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = repo.DeleteHost(ctx, "1.1.1.1")
	require.NoError(t, err)
	assert.False(t, deleted, "unknown host")

	deleted, err = repo.DeleteHost(ctx, "garbage")
	require.NoError(t, err)
	assert.False(t, deleted, "invalid address")

	var ports int
	require.NoError(t, repo.db.QueryRowContext(ctx, `SELECT count(*) FROM ports`).Scan(&ports))
	assert.Zero(t, ports)
}

func TestClearTablesKeepsSchema(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	require.NoError(t, repo.CreateDatabase(ctx))

	seed(t, repo,
		storage.ScanRecord{IP: "1.1.1.1", Port: 80, Service: "HTTP", Timestamp: time.Now()},
		storage.ScanRecord{IP: "2.2.2.2", Port: 22, Service: "SSH", Timestamp: time.Now()},
	)

	require.NoError(t, repo.ClearTables(ctx))

	hosts, err := repo.AllSummary(ctx)
	require.NoError(t, err)
	assert.Empty(t, hosts)

	ok, err := repo.Initialized(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}
