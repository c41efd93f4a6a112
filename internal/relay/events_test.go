package relay

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestDecodeInbound(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		want    Inbound
		wantErr error
	}{
		{
			name:  "identify",
			frame: `{"event":"identify","payload":{"userId":"user1"}}`,
			want:  &Identify{UserID: "user1"},
		},
		{
			name:  "join room",
			frame: `{"event":"join_room","payload":{"rideId":"ride42"}}`,
			want:  &JoinRoom{RideID: "ride42"},
		},
		{
			name:  "publish message",
			frame: `{"event":"publish_message","payload":{"rideId":"ride42","senderId":"user1","senderName":"Ann","body":"hi"}}`,
			want:  &PublishMessage{RideID: "ride42", SenderID: "user1", SenderName: "Ann", Body: "hi"},
		},
		{
			name:  "legacy send_message uses message field",
			frame: `{"event":"send_message","payload":{"rideId":"ride42","senderId":"user1","message":"hello"}}`,
			want:  &PublishMessage{RideID: "ride42", SenderID: "user1", Body: "hello"},
		},
		{
			name:  "legacy join identifies",
			frame: `{"event":"join","payload":{"userId":"user1"}}`,
			want:  &Identify{UserID: "user1"},
		},
		{
			name:  "legacy accept",
			frame: `{"event":"accept_ride_request","payload":{"requestId":"r1"}}`,
			want:  &DecideRequest{RequestID: "r1", Decision: StatusAccepted},
		},
		{
			name:  "legacy reject overrides payload decision",
			frame: `{"event":"reject_ride_request","payload":{"requestId":"r1","decision":"accepted"}}`,
			want:  &DecideRequest{RequestID: "r1", Decision: StatusRejected},
		},
		{
			name:  "request join",
			frame: `{"event":"request_join","payload":{"rideId":"ride42","userId":"user4","userName":"Bob","userPhoto":"b.png"}}`,
			want:  &RequestJoin{RideID: "ride42", UserID: "user4", UserName: "Bob", UserPhoto: "b.png"},
		},
		{name: "not json", frame: `{"event":`, wantErr: ErrInvalidPayload},
		{name: "missing event", frame: `{"payload":{}}`, wantErr: ErrInvalidPayload},
		{name: "payload not object", frame: `{"event":"join_room","payload":"ride42"}`, wantErr: ErrInvalidPayload},
		{name: "unknown event", frame: `{"event":"dance","payload":{}}`, wantErr: ErrUnknownEvent},
		{name: "missing rideId", frame: `{"event":"join_room","payload":{}}`, wantErr: ErrInvalidPayload},
		{name: "blank body", frame: `{"event":"publish_message","payload":{"rideId":"ride42","body":"   "}}`, wantErr: ErrInvalidPayload},
		{name: "bad decision", frame: `{"event":"decide_request","payload":{"requestId":"r1","decision":"pending"}}`, wantErr: ErrInvalidPayload},
		{name: "wrong field type", frame: `{"event":"identify","payload":{"userId":42}}`, wantErr: ErrInvalidPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeInbound([]byte(tt.frame))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				var rerr *Error
				if !errors.As(err, &rerr) {
					t.Errorf("err %T is not *Error", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			gotJSON, _ := json.Marshal(got)
			wantJSON, _ := json.Marshal(tt.want)
			if got.Kind() != tt.want.Kind() || string(gotJSON) != string(wantJSON) {
				t.Errorf("got %s %s, want %s %s", got.Kind(), gotJSON, tt.want.Kind(), wantJSON)
			}
		})
	}
}

func TestEncodeNewMessageShape(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	frame, err := Encode(EventNewMessage, ChatMessage{
		ID: "m1", RideID: "ride42", SenderID: "user1", SenderName: "Ann", Body: "hi", Timestamp: ts,
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var env struct {
		Event   string         `json:"event"`
		Payload map[string]any `json:"payload"`
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Event != EventNewMessage {
		t.Errorf("event = %q", env.Event)
	}
	if env.Payload["timestamp"] != "2026-03-01T12:00:00Z" {
		t.Errorf("timestamp = %v, want ISO8601", env.Payload["timestamp"])
	}
	if _, ok := env.Payload["senderPhoto"]; ok {
		t.Error("empty senderPhoto should be omitted")
	}
}
