package libsql

import "testing"

func TestDSN(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		token   string
		want    string
		wantErr bool
	}{
		{"no token", "libsql://planner.turso.io", "", "libsql://planner.turso.io", false},
		{"token", "libsql://planner.turso.io", "secret", "libsql://planner.turso.io?authToken=secret", false},
		{"https", "https://planner.turso.io", "t", "https://planner.turso.io?authToken=t", false},
		{"file rejected", "file:/tmp/x.db", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DSN(tt.url, tt.token)
			if (err != nil) != tt.wantErr {
				t.Fatalf("DSN() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("DSN() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRedact(t *testing.T) {
	if got := redact("libsql://db.turso.io?authToken=secret"); got != "libsql://db.turso.io" {
		t.Errorf("redact() = %q", got)
	}
}
