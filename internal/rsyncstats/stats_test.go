package rsyncstats

import "testing"

func TestTransferStatsSuccess(t *testing.T) {
	var s TransferStats
	if !s.Success() {
		t.Fatal("zero-value stats should report success")
	}
	s.AddError(IOErrorVanished)
	if s.Success() {
		t.Fatal("stats with a recorded error should not report success")
	}
	if !s.Errors.Has(IOErrorVanished) {
		t.Fatal("Errors should carry the IOErrorVanished bit")
	}
	if s.Errors.Has(IOErrorGeneral) {
		t.Fatal("unset bit should not read as present")
	}
}

func TestIOErrorCombination(t *testing.T) {
	e := IOErrorTransfer | IOErrorDelLimit
	if !e.Has(IOErrorTransfer) || !e.Has(IOErrorDelLimit) {
		t.Fatal("combined mask should report both set bits")
	}
	if e.Has(IOErrorGeneral) {
		t.Fatal("combined mask should not report an unset bit")
	}
}
