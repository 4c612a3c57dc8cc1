package idhash

import "testing"

func TestComputeWithdrawalID_Deterministic(t *testing.T) {
	a := ComputeWithdrawalID("user-1", "addr", 1000, "SOL", 1700000000000)
	b := ComputeWithdrawalID("user-1", "addr", 1000, "SOL", 1700000000000)
	if a != b {
		t.Errorf("same inputs produced different ids: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("id is %d chars, want 64", len(a))
	}
}

func TestComputeWithdrawalID_DistinctInputs(t *testing.T) {
	base := ComputeWithdrawalID("user-1", "addr", 1000, "SOL", 1700000000000)
	variants := []string{
		ComputeWithdrawalID("user-2", "addr", 1000, "SOL", 1700000000000),
		ComputeWithdrawalID("user-1", "other", 1000, "SOL", 1700000000000),
		ComputeWithdrawalID("user-1", "addr", 1001, "SOL", 1700000000000),
		ComputeWithdrawalID("user-1", "addr", 1000, "USDC", 1700000000000),
		ComputeWithdrawalID("user-1", "addr", 1000, "SOL", 1700000000001),
	}
	for i, v := range variants {
		if v == base {
			t.Errorf("variant %d collided with base id", i)
		}
	}
}
