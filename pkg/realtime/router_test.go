package realtime_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MrWong99/voxbridge/pkg/realtime"
)

func audioDeltaEvent(pcm []byte) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"type":"response.audio.delta","delta":%q}`,
		base64.StdEncoding.EncodeToString(pcm)))
}

func TestClassify_Kinds(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want realtime.EventKind
	}{
		{"session created", `{"type":"session.created"}`, realtime.KindSessionCreated},
		{"session updated", `{"type":"session.updated"}`, realtime.KindSessionUpdated},
		{"audio done", `{"type":"response.audio.done"}`, realtime.KindAudioDone},
		{"text delta", `{"type":"response.text.delta","delta":"hi"}`, realtime.KindTextDelta},
		{"transcript delta", `{"type":"response.audio_transcript.delta","delta":"hi"}`, realtime.KindTextDelta},
		{"completed", `{"type":"response.completed"}`, realtime.KindResponseCompleted},
		{"done alias", `{"type":"response.done","response":{"status":"completed"}}`, realtime.KindResponseCompleted},
		{"done failed", `{"type":"response.done","response":{"status":"failed"}}`, realtime.KindResponseFailed},
		{"failed", `{"type":"response.failed"}`, realtime.KindResponseFailed},
		{"error", `{"type":"error","error":{"type":"invalid_request_error","code":"x","message":"nope"}}`, realtime.KindError},
		{"unknown", `{"type":"rate_limits.updated"}`, realtime.KindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev := realtime.Classify(json.RawMessage(tc.raw))
			if ev.Kind != tc.want {
				t.Errorf("kind = %v, want %v", ev.Kind, tc.want)
			}
		})
	}
}

func TestClassify_AudioDeltaDecodesBase64(t *testing.T) {
	pcm := []byte{1, 2, 3, 4}
	ev := realtime.Classify(audioDeltaEvent(pcm))
	if ev.Kind != realtime.KindAudioDelta {
		t.Fatalf("kind = %v", ev.Kind)
	}
	if string(ev.Audio) != string(pcm) {
		t.Errorf("audio = %v, want %v", ev.Audio, pcm)
	}
}

func TestClassify_AudioDeltaBadBase64(t *testing.T) {
	ev := realtime.Classify(json.RawMessage(`{"type":"response.audio.delta","delta":"!!!not-base64"}`))
	if ev.Kind != realtime.KindError {
		t.Errorf("kind = %v, want error for undecodable delta", ev.Kind)
	}
	if ev.Err == nil {
		t.Error("expected error detail")
	}
}

func TestClassify_ServerErrorDetail(t *testing.T) {
	ev := realtime.Classify(json.RawMessage(
		`{"type":"error","error":{"type":"invalid_request_error","code":"bad_audio","message":"unsupported format"}}`))
	if ev.Err == nil {
		t.Fatal("expected error detail")
	}
	if ev.Err.Code != "bad_audio" || ev.Err.Message != "unsupported format" {
		t.Errorf("error detail = %+v", ev.Err)
	}
}

func TestRouter_AccumulatesAudioUntilDone(t *testing.T) {
	r := realtime.NewRouter(nil)

	type result struct {
		pcm []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		pcm, err := r.WaitForAudioCollected(ctx)
		done <- result{pcm, err}
	}()

	// Let the waiter register before events arrive.
	time.Sleep(10 * time.Millisecond)
	r.HandleRaw(audioDeltaEvent([]byte{1, 2}))
	r.HandleRaw(audioDeltaEvent([]byte{3, 4}))
	r.HandleRaw(json.RawMessage(`{"type":"response.audio.done"}`))

	res := <-done
	if res.err != nil {
		t.Fatalf("wait: %v", res.err)
	}
	if string(res.pcm) != string([]byte{1, 2, 3, 4}) {
		t.Errorf("collected = %v, want [1 2 3 4]", res.pcm)
	}
}

func TestRouter_AudioResetsBetweenResponses(t *testing.T) {
	r := realtime.NewRouter(nil)

	r.HandleRaw(audioDeltaEvent([]byte{1, 2}))
	r.HandleRaw(json.RawMessage(`{"type":"response.audio.done"}`))

	done := make(chan []byte, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		pcm, _ := r.WaitForAudioCollected(ctx)
		done <- pcm
	}()
	time.Sleep(10 * time.Millisecond)
	r.HandleRaw(audioDeltaEvent([]byte{9, 9}))
	r.HandleRaw(json.RawMessage(`{"type":"response.audio.done"}`))

	if pcm := <-done; string(pcm) != string([]byte{9, 9}) {
		t.Errorf("second response audio = %v, want [9 9]", pcm)
	}
}

func TestRouter_OnAudioDeltaStreams(t *testing.T) {
	r := realtime.NewRouter(nil)

	var streamed []byte
	remove := r.OnAudioDelta(func(pcm []byte) {
		streamed = append(streamed, pcm...)
	})

	r.HandleRaw(audioDeltaEvent([]byte{1, 2}))
	remove()
	r.HandleRaw(audioDeltaEvent([]byte{3, 4}))

	if string(streamed) != string([]byte{1, 2}) {
		t.Errorf("streamed = %v, want only the delta before removal", streamed)
	}
}

func TestRouter_WaitForResponseCompleted(t *testing.T) {
	r := realtime.NewRouter(nil)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		done <- r.WaitForResponseCompleted(ctx)
	}()
	time.Sleep(10 * time.Millisecond)
	r.HandleRaw(json.RawMessage(`{"type":"response.completed"}`))

	if err := <-done; err != nil {
		t.Errorf("wait = %v, want nil", err)
	}
}

func TestRouter_WaitSeesResponseFailure(t *testing.T) {
	r := realtime.NewRouter(nil)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		done <- r.WaitForResponseCompleted(ctx)
	}()
	time.Sleep(10 * time.Millisecond)
	r.HandleRaw(json.RawMessage(
		`{"type":"response.failed","response":{"status":"failed","status_details":{"type":"failed","error":{"code":"server_error","message":"boom"}}}}`))

	err := <-done
	var serverErr *realtime.ServerError
	if !errors.As(err, &serverErr) {
		t.Fatalf("wait = %v, want *ServerError", err)
	}
	if serverErr.Code != "server_error" {
		t.Errorf("code = %q", serverErr.Code)
	}
}

func TestRouter_WaitHonorsContext(t *testing.T) {
	r := realtime.NewRouter(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := r.WaitForResponseCompleted(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("wait = %v, want deadline exceeded", err)
	}
}

func TestRouter_AccumulatesText(t *testing.T) {
	r := realtime.NewRouter(nil)
	r.HandleRaw(json.RawMessage(`{"type":"response.text.delta","delta":"hello "}`))
	r.HandleRaw(json.RawMessage(`{"type":"response.text.delta","delta":"world"}`))
	if got := r.Text(); got != "hello world" {
		t.Errorf("text = %q, want %q", got, "hello world")
	}
}

func TestRouter_EventsStream(t *testing.T) {
	r := realtime.NewRouter(nil)
	r.HandleRaw(json.RawMessage(`{"type":"session.created"}`))

	select {
	case ev := <-r.Events():
		if ev.Kind != realtime.KindSessionCreated {
			t.Errorf("kind = %v", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("no event on stream")
	}
}
