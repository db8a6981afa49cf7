package config

import "testing"

func TestSpoolDirDerivesFromLogDir(t *testing.T) {
	cases := []struct {
		name string
		g    Global
		want string
	}{
		{"defaults", Global{}, "/var/log/miel/spool"},
		{"custom log dir", Global{LogDir: "/data/miel-logs"}, "/data/miel-logs/spool"},
		{"explicit override wins", Global{LogDir: "/data/miel-logs", SpoolDir: "/mnt/fast/spool"}, "/mnt/fast/spool"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.g.SpoolDirOrDefault(); got != c.want {
				t.Errorf("SpoolDirOrDefault() = %q, want %q", got, c.want)
			}
		})
	}
}

func TestSessionsDirDerivesFromLogDir(t *testing.T) {
	cases := []struct {
		name string
		g    Global
		want string
	}{
		{"default", Global{}, "/var/log/miel/sessions"},
		{"custom log dir", Global{LogDir: "/data/miel-logs"}, "/data/miel-logs/sessions"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.g.SessionsDirOrDefault(); got != c.want {
				t.Errorf("SessionsDirOrDefault() = %q, want %q", got, c.want)
			}
		})
	}
}
