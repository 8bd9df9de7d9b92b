package grpc

import (
	"testing"
	"time"

	"google.golang.org/grpc/encoding"

	"therapia/backend/internal/domain"
)

func TestJSONCodec_Registered(t *testing.T) {
	c := encoding.GetCodec(CodecName)
	if c == nil {
		t.Fatalf("codec %q not registered", CodecName)
	}

	in := &GetSlotsRequest{TherapistID: "t1", Date: domain.MustDate("2026-01-05"), OnlyAvailable: true}
	data, err := c.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	if want := `{"therapist_id":"t1","date":"2026-01-05","only_available":true}`; string(data) != want {
		t.Fatalf("wire = %s, want %s", data, want)
	}
}

func TestJSONCodec_EmptyPayload(t *testing.T) {
	var out Empty
	if err := (jsonCodec{}).Unmarshal(nil, &out); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}

	var slot Slot
	if err := (jsonCodec{}).Unmarshal([]byte(`{"time":"14:30","start":"2026-01-05T14:30:00Z"}`), &slot); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if slot.Time != domain.MustTimeOfDay("14:30") || !slot.Start.Equal(time.Date(2026, 1, 5, 14, 30, 0, 0, time.UTC)) {
		t.Fatalf("slot = %+v", slot)
	}
}
