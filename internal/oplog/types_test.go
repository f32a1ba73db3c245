package oplog

import (
	"errors"
	"fmt"
	"testing"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestPositionCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b Position
		want int
	}{
		{"earlier seconds", TimestampPosition(1, 9), TimestampPosition(2, 0), -1},
		{"same seconds higher ordinal", TimestampPosition(2, 5), TimestampPosition(2, 1), 1},
		{"equal timestamps", TimestampPosition(2, 1), TimestampPosition(2, 1), 0},
		{"binary ordering", BinaryPosition(0, []byte{0, 1}), BinaryPosition(0, []byte{0, 2}), -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.a.Compare(tt.b)
			if err != nil {
				t.Fatalf("Compare failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Compare() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestPositionCompareMixedKinds(t *testing.T) {
	_, err := TimestampPosition(1, 1).Compare(BinaryPosition(0, []byte{1}))
	if !IsResumeStateError(err) {
		t.Fatalf("expected resume state error, got %v", err)
	}
}

func TestPositionFromValue(t *testing.T) {
	pos, err := PositionFromValue(primitive.Timestamp{T: 77, I: 3})
	if err != nil || !pos.Equal(TimestampPosition(77, 3)) {
		t.Errorf("PositionFromValue(timestamp) = %s, %v", pos, err)
	}

	pos, err = PositionFromValue(primitive.Binary{Subtype: 0, Data: []byte{9}})
	if err != nil || pos.Kind() != KindBinary {
		t.Errorf("PositionFromValue(binary) = %s, %v", pos, err)
	}

	pos, err = PositionFromValue(nil)
	if err != nil || !pos.IsZero() {
		t.Errorf("PositionFromValue(nil) = %s, %v", pos, err)
	}

	if _, err := PositionFromValue("garbage"); !IsResumeStateError(err) {
		t.Errorf("expected resume state error, got %v", err)
	}
}

func TestBinaryPositionCopiesData(t *testing.T) {
	data := []byte{1, 2, 3}
	pos := BinaryPosition(0, data)
	data[0] = 9
	if pos.Binary().Data[0] != 1 {
		t.Error("BinaryPosition must not alias its input")
	}
}

func TestControl(t *testing.T) {
	ctl := NewControl(2)
	if ctl.Stopped() {
		t.Fatal("new control must be active")
	}
	ctl.Increment()
	if ctl.Stopped() {
		t.Fatal("control stopped before limit")
	}
	ctl.Increment()
	if !ctl.Stopped() || ctl.Count() != 2 {
		t.Fatalf("expected stop at limit, count=%d", ctl.Count())
	}

	unbounded := NewControl(0)
	for i := 0; i < 100; i++ {
		unbounded.Increment()
	}
	if unbounded.Stopped() {
		t.Fatal("unbounded control must not stop on its own")
	}
	unbounded.RequestStop()
	if !unbounded.Stopped() {
		t.Fatal("RequestStop must stop the control")
	}
}

func TestSplitNamespace(t *testing.T) {
	db, coll := SplitNamespace("foo.system.indexes")
	if db != "foo" || coll != "system.indexes" {
		t.Errorf("SplitNamespace() = %q, %q", db, coll)
	}
	db, coll = SplitNamespace("foo")
	if db != "foo" || coll != "" {
		t.Errorf("SplitNamespace() = %q, %q", db, coll)
	}
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{NewConfigurationError("primary"), true},
		{fmt.Errorf("wrapped: %w", NewResumeStateError("bad")), true},
		{NewUnsupportedFeatureError(nil, "v=2"), true},
		{NewMalformedRecordError(nil, "no name"), true},
		{&TransientError{Op: "tail", Err: errors.New("reset")}, false},
		{errors.New("sink down"), false},
	}

	for _, tt := range tests {
		if got := IsFatal(tt.err); got != tt.want {
			t.Errorf("IsFatal(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
