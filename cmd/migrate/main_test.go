package main

import "testing"

func TestVersionFromFile(t *testing.T) {
	cases := []struct {
		name    string
		want    int64
		wantErr bool
	}{
		{"001_init.up.sql", 1, false},
		{"012_add_index.down.sql", 12, false},
		{"init.up.sql", 0, true},
		{"abc_init.up.sql", 0, true},
	}
	for _, tc := range cases {
		got, err := versionFromFile(tc.name)
		if tc.wantErr {
			if err == nil {
				t.Errorf("%s: expected error", tc.name)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("%s: got %d, %v; want %d", tc.name, got, err, tc.want)
		}
	}
}

func TestMigrationFiles_pairsUpAndDown(t *testing.T) {
	ups, err := migrationFiles(".up.sql")
	if err != nil {
		t.Fatal(err)
	}
	downs, err := migrationFiles(".down.sql")
	if err != nil {
		t.Fatal(err)
	}
	if len(ups) == 0 || len(ups) != len(downs) {
		t.Fatalf("expected matching up/down migrations, got %v / %v", ups, downs)
	}
	for i := range ups {
		uv, _ := versionFromFile(ups[i])
		dv, _ := versionFromFile(downs[i])
		if uv != dv {
			t.Errorf("version mismatch: %s vs %s", ups[i], downs[i])
		}
	}
}
