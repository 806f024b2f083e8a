package roster

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/dinghuanghao/dota2-cultivation/internal/db"
	"github.com/dinghuanghao/dota2-cultivation/internal/logging"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []Entry
		wantErr bool
	}{
		{
			name:  "numbers",
			input: `[455681834, 123]`,
			want:  []Entry{{455681834, true}, {123, true}},
		},
		{
			name:  "numeric strings",
			input: `["455681834", "76561198134743556"]`,
			want:  []Entry{{455681834, true}, {174477828, true}},
		},
		{
			name:  "steam64 and account id are the same player",
			input: `[76561198134743556, {"account_id": 174477828, "active": false}]`,
			want:  []Entry{{174477828, false}},
		},
		{
			name:  "objects",
			input: `[{"account_id": 1, "active": false}, {"account_id": "2"}]`,
			want:  []Entry{{1, false}, {2, true}},
		},
		{
			name:  "duplicate keeps last",
			input: `[5, {"account_id": 5, "active": false}]`,
			want:  []Entry{{5, false}},
		},
		{name: "empty", input: `[]`, want: []Entry{}},
		{name: "not an array", input: `{"players": []}`, wantErr: true},
		{name: "zero id", input: `[0]`, wantErr: true},
		{name: "garbage id", input: `["abc"]`, wantErr: true},
		{name: "object without id", input: `[{"active": true}]`, wantErr: true},
		{name: "anonymous id", input: `[4294967295]`, wantErr: true},
		{name: "between account and steam64 ranges", input: `["4294967296"]`, wantErr: true},
		{name: "steam64 of account zero", input: `[76561197960265728]`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse([]byte(tt.input))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v; want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("entry %d = %+v; want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestParseAccountID(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: "174477828", want: 174477828},
		{in: "76561198134743556", want: 174477828},
		{in: "4294967294", want: 4294967294},
		{in: "76561202255233022", want: 4294967294},
		{in: "0", wantErr: true},
		{in: "-7", wantErr: true},
		{in: "4294967295", wantErr: true},
		{in: "9999999999", wantErr: true},
		{in: "76561202255233023", wantErr: true},
		{in: "12a", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseAccountID(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseAccountID(%q) = %d; want error", tt.in, got)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseAccountID(%q) = %d, %v; want %d", tt.in, got, err, tt.want)
		}
	}
}

func TestLoadFile_Missing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "player_list.json")); err == nil {
		t.Error("expected error for missing roster file")
	}
}

func TestSync(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := db.Open(ctx, filepath.Join(dir, "matches.db"), "", db.WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()

	path := filepath.Join(dir, "player_list.json")
	if err := os.WriteFile(path, []byte(`[123, 456]`), 0o644); err != nil {
		t.Fatal(err)
	}
	entries, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	res, err := Sync(ctx, store, entries, logging.Discard())
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if res.Added != 2 {
		t.Errorf("added = %d; want 2", res.Added)
	}

	// second sync is a no-op
	res, _ = Sync(ctx, store, entries, logging.Discard())
	if res.Unchanged != 2 || res.Added != 0 {
		t.Errorf("second sync = %+v; want 2 unchanged", res)
	}

	// remove 456, reintroduce later
	res, err = Sync(ctx, store, []Entry{{456, false}, {789, false}}, logging.Discard())
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if res.Deactivated != 2 {
		t.Errorf("deactivated = %d; want 2", res.Deactivated)
	}
	active, _ := store.ListActivePlayers(ctx)
	if len(active) != 1 || active[0].AccountID != 123 {
		t.Errorf("active = %v; want only 123", active)
	}

	res, _ = Sync(ctx, store, []Entry{{456, true}}, logging.Discard())
	if res.Reactivated != 1 {
		t.Errorf("reactivated = %d; want 1", res.Reactivated)
	}
}
