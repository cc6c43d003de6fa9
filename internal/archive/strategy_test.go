package archive

import "testing"

func TestUseSelective(t *testing.T) {
	tests := []struct {
		name   string
		format Format
		needed int
		total  int
		want   bool
	}{
		{"small zip subset", FormatZip, 3, 500, true},
		{"nothing needed", FormatZip, 0, 500, false},
		{"too many entries", FormatZip, 64, 1000, false},
		{"large fraction", FormatZip, 480, 500, false},
		{"exactly half", FormatZip, 50, 100, false},
		{"solid 7z", FormatSevenZip, 3, 500, false},
		{"rar", FormatRar, 3, 500, false},
		{"bsa subset", FormatBSA, 10, 100, true},
		{"unknown", FormatUnknown, 1, 10, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := UseSelective(tt.format, tt.needed, tt.total); got != tt.want {
				t.Errorf("UseSelective(%v, %d, %d) = %v, want %v",
					tt.format, tt.needed, tt.total, got, tt.want)
			}
		})
	}
}

func TestFormatRandomAccess(t *testing.T) {
	if !FormatZip.RandomAccess() || !FormatBSA.RandomAccess() || !FormatBA2.RandomAccess() {
		t.Error("zip/bsa/ba2 support random access")
	}
	if FormatSevenZip.RandomAccess() || FormatRar.RandomAccess() {
		t.Error("7z/rar do not support random access")
	}
}
