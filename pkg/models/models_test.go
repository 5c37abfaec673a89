package models

import "testing"

func TestCanonicalizeJSONSortsKeysAndStripsWhitespace(t *testing.T) {
	got, err := CanonicalizeJSON([]byte(`{ "b": 1.50, "a": {"z": true, "y": [1, "x", null]} }`))
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	want := `{"a":{"y":[1,"x",null],"z":true},"b":1.50}`
	if string(got) != want {
		t.Fatalf("got %s want %s", got, want)
	}
}

func TestCanonicalizeJSONRejectsTrailingData(t *testing.T) {
	if _, err := CanonicalizeJSON([]byte(`{"a":1}{"b":2}`)); err == nil {
		t.Fatal("expected trailing data error")
	}
	if _, err := CanonicalizeJSON([]byte(`not-json`)); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestCredentialSchemeResolution(t *testing.T) {
	cases := []struct {
		name string
		cred AppCredential
		want string
	}{
		{"explicit", AppCredential{SignType: " RSA "}, SchemeRSA},
		{"config default", AppCredential{SignConfig: SignConfig{DefaultSignType: "envelope"}}, SchemeEnvelope},
		{"fallback", AppCredential{}, SchemeHMACSHA256},
	}
	for _, tc := range cases {
		if got := tc.cred.Scheme(); got != tc.want {
			t.Fatalf("%s: got %q want %q", tc.name, got, tc.want)
		}
	}
}

func TestParseSignConfig(t *testing.T) {
	cfg, err := ParseSignConfig([]byte(`{"include_path":true,"grace_versions":[{"version":1,"secret":"old","not_after":"2030-01-01T00:00:00Z"}]}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !cfg.IncludePath || len(cfg.GraceVersions) != 1 || cfg.GraceVersions[0].Secret != "old" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	empty, err := ParseSignConfig([]byte("null"))
	if err != nil || empty.IncludePath {
		t.Fatalf("expected zero config for null, got %+v err=%v", empty, err)
	}
	if _, err := ParseSignConfig([]byte("{")); err == nil {
		t.Fatal("expected error for malformed config")
	}
}

func TestLevelRankAndParse(t *testing.T) {
	if ParseLevel("WARN") != LevelWarning || ParseLevel("fatal") != LevelCritical || ParseLevel("") != LevelInfo {
		t.Fatal("unexpected level parsing")
	}
	if !(LevelDebug.Rank() < LevelInfo.Rank() && LevelInfo.Rank() < LevelWarning.Rank() &&
		LevelWarning.Rank() < LevelError.Rank() && LevelError.Rank() < LevelCritical.Rank()) {
		t.Fatal("levels not strictly ordered")
	}
	if Level("bogus").Rank() != LevelInfo.Rank() {
		t.Fatal("unknown level should rank as info")
	}
}
