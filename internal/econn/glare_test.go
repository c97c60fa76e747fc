package econn

import "testing"

func TestIsWinnerAntisymmetric(t *testing.T) {
	cases := []struct {
		aUser, aClient, bUser, bClient string
	}{
		{"alice", "c1", "bob", "c2"},
		{"same", "aaa", "same", "bbb"},
		{"zzz", "1", "aaa", "9"},
	}

	for _, c := range cases {
		aWins := IsWinner(c.aUser, c.aClient, c.bUser, c.bClient)
		bWins := IsWinner(c.bUser, c.bClient, c.aUser, c.aClient)
		if aWins == bWins {
			t.Fatalf("IsWinner(%s.%s, %s.%s) and its swap both returned %v", c.aUser, c.aClient, c.bUser, c.bClient, aWins)
		}
	}
}

func TestIsWinnerIrreflexive(t *testing.T) {
	if IsWinner("same", "same", "same", "same") {
		t.Fatal("a pair cannot win against itself")
	}
}
