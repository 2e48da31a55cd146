package interfaces

import "testing"

func TestGetStateNeverErrors(t *testing.T) {
	st, err := GetState()
	if err != nil {
		t.Fatalf("GetState returned error: %v", err)
	}
	if st == nil {
		t.Fatal("GetState returned nil state")
	}
}
