package record

import "testing"

func TestArgBufPutScalarAlignsTo4Bytes(t *testing.T) {
	a := NewArgBuf(64)
	if err := a.PutScalar([]byte{1}); err != nil {
		t.Fatalf("PutScalar: %v", err)
	}
	if a.Len() != 4 {
		t.Errorf("Len() = %d, want 4 (1 byte rounded up to 4)", a.Len())
	}

	if err := a.PutScalar([]byte{1, 2, 3, 4, 5}); err != nil {
		t.Fatalf("PutScalar: %v", err)
	}
	if a.Len() != 4+8 {
		t.Errorf("Len() = %d, want 12 (5 bytes rounded up to 8, plus the first 4)", a.Len())
	}
}

func TestArgBufPutStringEncoding(t *testing.T) {
	a := NewArgBuf(64)
	if err := a.PutString("hi", false); err != nil {
		t.Fatalf("PutString: %v", err)
	}
	// per-value field = 2 (u16 prefix, holding len("hi")=2) + align4(len+1) = 2+4 = 6
	if a.Len() != 6 {
		t.Errorf("Len() = %d, want 6", a.Len())
	}

	out := a.Bytes()
	// leading u16 prefix covers the whole staged payload
	gotPrefix := int(out[0]) | int(out[1])<<8
	if gotPrefix != a.Len() {
		t.Errorf("length prefix = %d, want %d", gotPrefix, a.Len())
	}
	body := out[2:]
	want := []byte{0x02, 0x00, 'h', 'i', 0x00, 0x00}
	for i, b := range want {
		if body[i] != b {
			t.Fatalf("body = % x, want % x", body[:len(want)], want)
		}
	}
}

func TestArgBufPutStringNil(t *testing.T) {
	a := NewArgBuf(64)
	if err := a.PutString("", true); err != nil {
		t.Fatalf("PutString: %v", err)
	}
	if a.Len() != 6 {
		t.Errorf("Len() = %d, want 6", a.Len())
	}
	out := a.Bytes()[2:]
	if out[0] != 0x04 || out[1] != 0x00 || out[2] != 0xFF || out[3] != 0xFF || out[4] != 0xFF || out[5] != 0xFF {
		t.Errorf("nil string encoding = % x, want 04 00 ff ff ff ff", out)
	}
}

func TestArgBufOverflow(t *testing.T) {
	a := NewArgBuf(8) // 2-byte prefix + 6 usable bytes
	if err := a.PutScalar([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("first PutScalar: %v", err)
	}
	if err := a.PutScalar([]byte{1, 2, 3, 4}); err != ErrOverflow {
		t.Fatalf("PutScalar past capacity = %v, want ErrOverflow", err)
	}
}

func TestArgBufResetAllowsReuse(t *testing.T) {
	a := NewArgBuf(64)
	if err := a.PutScalar([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("PutScalar: %v", err)
	}
	a.Reset()
	if a.Len() != 0 {
		t.Fatalf("Len() after Reset = %d, want 0", a.Len())
	}
	if err := a.PutScalar([]byte{1, 2, 3, 4, 5, 6, 7, 8}); err != nil {
		t.Fatalf("PutScalar after Reset: %v", err)
	}
	if a.Len() != 8 {
		t.Errorf("Len() = %d, want 8", a.Len())
	}
}
