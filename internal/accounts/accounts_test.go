package accounts

import "testing"

func TestVerify(t *testing.T) {
	v := New([]Account{
		{Login: "alice", Password: "hunter2"},
		{Login: "bob", Password: "correct-horse"},
	})

	cases := []struct {
		login, password string
		want            bool
	}{
		{"alice", "hunter2", true},
		{"bob", "correct-horse", true},
		{"alice", "wrong", false},
		{"mallory", "hunter2", false},
		{"", "", false},
	}

	for _, c := range cases {
		if got := v.Verify(c.login, c.password); got != c.want {
			t.Errorf("Verify(%q, %q) = %v, want %v", c.login, c.password, got, c.want)
		}
	}
}

func TestLen(t *testing.T) {
	v := New([]Account{{Login: "a", Password: "b"}})
	if v.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", v.Len())
	}
}
