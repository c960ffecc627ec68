package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"modos/internal/infra/persistence/memory"
	"modos/internal/infra/persistence/postgres/testutil"
)

func openStub(t *testing.T) (*Store, *testutil.Conn) {
	t.Helper()
	db, conn := testutil.NewStubDB()
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	t.Cleanup(restore)
	s, err := NewStore(context.Background(), "")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s, conn
}

func TestReplaceUpsertsListingRow(t *testing.T) {
	ctx := context.Background()
	s, conn := openStub(t)

	for _, desc := range []string{"first", "second"} {
		if _, err := s.Replace(ctx, "http://a", []memory.Entry{{Path: "b/ex", ID: "ex", Description: desc}}); err != nil {
			t.Fatalf("replace: %v", err)
		}
	}
	if got := len(conn.Listings); got != 1 {
		t.Fatalf("expected a single row, got %d", got)
	}
	payload, ok := conn.Listings["http://a"]
	if !ok {
		t.Fatalf("row missing")
	}
	var stored memory.Listing
	if err := json.Unmarshal(payload, &stored); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if stored.Entries[0].Description != "second" {
		t.Fatalf("payload not replaced: %+v", stored)
	}

	if err := s.Forget(ctx, "http://a"); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if len(conn.Listings) != 0 {
		t.Fatalf("forget left row behind")
	}
	if _, ok, _ := s.Listing(ctx, "http://a"); ok {
		t.Fatalf("forget left memory entry behind")
	}
}

func TestNewStoreHydratesFromRows(t *testing.T) {
	db, conn := testutil.NewStubDB()
	payload, _ := json.Marshal(memory.Listing{Endpoint: "http://a", Entries: []memory.Entry{{Path: "b/ex", ID: "ex"}}})
	conn.Listings["http://a"] = payload
	conn.Listings["http://empty"] = []byte{}
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	defer restore()

	s, err := NewStore(context.Background(), "postgres://ignored")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	eps, _ := s.Endpoints(context.Background())
	if diff := cmp.Diff([]string{"http://a"}, eps); diff != "" {
		t.Fatalf("endpoints mismatch (-want +got):\n%s", diff)
	}
}

func TestNewStoreErrors(t *testing.T) {
	cases := map[string]struct {
		setup func(*testutil.Conn)
		open  error
		want  string
	}{
		"open":   {open: fmt.Errorf("open fail"), want: "open fail"},
		"ping":   {setup: func(c *testutil.Conn) { c.Fail[testutil.OpPing] = fmt.Errorf("down") }, want: "ping postgres"},
		"ddl":    {setup: func(c *testutil.Conn) { c.Fail[testutil.OpDDL] = fmt.Errorf("denied") }, want: "ensure listings table"},
		"query":  {setup: func(c *testutil.Conn) { c.Fail[testutil.OpSelect] = fmt.Errorf("denied") }, want: "select listings"},
		"rows":   {setup: func(c *testutil.Conn) { c.RowsErr = fmt.Errorf("rows boom") }, want: "rows boom"},
		"decode": {setup: func(c *testutil.Conn) { c.Listings["http://a"] = []byte("{") }, want: "decode http://a"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			db, conn := testutil.NewStubDB()
			if tc.setup != nil {
				tc.setup(conn)
			}
			restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) {
				if tc.open != nil {
					return nil, tc.open
				}
				return db, nil
			})
			defer restore()
			_, err := NewStore(context.Background(), "")
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q error, got %v", tc.want, err)
			}
		})
	}
}

func TestReplaceFailures(t *testing.T) {
	ctx := context.Background()
	cases := map[string]string{
		"begin":  testutil.OpBegin,
		"exec":   testutil.OpUpsert,
		"commit": testutil.OpCommit,
	}
	for name, fail := range cases {
		t.Run(name, func(t *testing.T) {
			s, conn := openStub(t)
			conn.Fail[fail] = fmt.Errorf("%s fail", name)
			if _, err := s.Replace(ctx, "http://a", nil); err == nil {
				t.Fatalf("expected %s failure", name)
			}
		})
	}
}
