package realtime_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/MrWong99/voxbridge/pkg/realtime"
)

// fakeSender captures every payload as marshaled JSON.
type fakeSender struct {
	sent []map[string]any
}

func (f *fakeSender) SendJSON(_ context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeSender) last(t *testing.T) map[string]any {
	t.Helper()
	if len(f.sent) == 0 {
		t.Fatal("nothing sent")
	}
	return f.sent[len(f.sent)-1]
}

func TestSessionController_SendSessionConfig(t *testing.T) {
	ctrl := realtime.NewSessionController(realtime.SessionOptions{
		Model:        "gpt-4o-realtime-preview",
		Voice:        "alloy",
		Instructions: "be brief",
	})
	sender := &fakeSender{}
	if err := ctrl.SendSessionConfig(context.Background(), sender); err != nil {
		t.Fatalf("send config: %v", err)
	}

	msg := sender.last(t)
	if msg["type"] != "session.update" {
		t.Fatalf("type = %v, want session.update", msg["type"])
	}
	session, ok := msg["session"].(map[string]any)
	if !ok {
		t.Fatal("missing session object")
	}
	if session["voice"] != "alloy" {
		t.Errorf("voice = %v", session["voice"])
	}
	if session["input_audio_format"] != "pcm16" || session["output_audio_format"] != "pcm16" {
		t.Errorf("audio formats = %v / %v, want pcm16", session["input_audio_format"], session["output_audio_format"])
	}
	// Manual turn handling serializes as an explicit null.
	td, present := session["turn_detection"]
	if !present {
		t.Fatal("turn_detection field missing")
	}
	if td != nil {
		t.Errorf("turn_detection = %v, want null for manual mode", td)
	}
	mods, _ := session["modalities"].([]any)
	if len(mods) != 2 {
		t.Errorf("modalities = %v, want default audio+text", session["modalities"])
	}
}

func TestSessionController_UpdateOptionsMerges(t *testing.T) {
	ctrl := realtime.NewSessionController(realtime.SessionOptions{
		Voice:        "alloy",
		Instructions: "be brief",
	})

	voice := "echo"
	ctrl.UpdateOptions(realtime.OptionsPatch{Voice: &voice})

	opts := ctrl.Options()
	if opts.Voice != "echo" {
		t.Errorf("voice = %q, want echo", opts.Voice)
	}
	if opts.Instructions != "be brief" {
		t.Errorf("instructions changed unexpectedly: %q", opts.Instructions)
	}
	if opts.TurnDetection != realtime.TurnDetectionManual {
		t.Errorf("turn detection = %q, want manual default", opts.TurnDetection)
	}
}

func TestSessionController_EnableVAD(t *testing.T) {
	ctrl := realtime.NewSessionController(realtime.SessionOptions{Voice: "alloy"})
	sender := &fakeSender{}
	if err := ctrl.EnableVAD(context.Background(), sender, realtime.TurnDetectionServerVAD); err != nil {
		t.Fatalf("enable vad: %v", err)
	}

	session := sender.last(t)["session"].(map[string]any)
	td, ok := session["turn_detection"].(map[string]any)
	if !ok {
		t.Fatalf("turn_detection = %v, want object", session["turn_detection"])
	}
	if td["type"] != "server_vad" {
		t.Errorf("turn_detection.type = %v, want server_vad", td["type"])
	}
	if ctrl.Options().TurnDetection != realtime.TurnDetectionServerVAD {
		t.Error("stored options not updated")
	}
}

func TestAppendAudio_EncodesBase64(t *testing.T) {
	sender := &fakeSender{}
	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	if err := realtime.AppendAudio(context.Background(), sender, pcm); err != nil {
		t.Fatalf("append: %v", err)
	}

	msg := sender.last(t)
	if msg["type"] != "input_audio_buffer.append" {
		t.Fatalf("type = %v", msg["type"])
	}
	decoded, err := base64.StdEncoding.DecodeString(msg["audio"].(string))
	if err != nil {
		t.Fatalf("audio not valid base64: %v", err)
	}
	if string(decoded) != string(pcm) {
		t.Errorf("decoded audio = %v, want %v", decoded, pcm)
	}
}

func TestBufferControlMessages(t *testing.T) {
	sender := &fakeSender{}
	ctx := context.Background()

	realtime.CommitAudio(ctx, sender)
	realtime.ClearAudio(ctx, sender)
	ctrl := realtime.NewSessionController(realtime.SessionOptions{})
	ctrl.CreateResponse(ctx, sender)
	ctrl.CancelResponse(ctx, sender)

	want := []string{
		"input_audio_buffer.commit",
		"input_audio_buffer.clear",
		"response.create",
		"response.cancel",
	}
	if len(sender.sent) != len(want) {
		t.Fatalf("sent %d messages, want %d", len(sender.sent), len(want))
	}
	for i, w := range want {
		if sender.sent[i]["type"] != w {
			t.Errorf("message %d type = %v, want %s", i, sender.sent[i]["type"], w)
		}
	}
}

func TestCreateConversationItem(t *testing.T) {
	sender := &fakeSender{}
	if err := realtime.CreateConversationItem(context.Background(), sender, "system", "Speaker: alice"); err != nil {
		t.Fatalf("create item: %v", err)
	}

	msg := sender.last(t)
	if msg["type"] != "conversation.item.create" {
		t.Fatalf("type = %v", msg["type"])
	}
	item := msg["item"].(map[string]any)
	if item["role"] != "system" {
		t.Errorf("role = %v", item["role"])
	}
	content := item["content"].([]any)[0].(map[string]any)
	if content["text"] != "Speaker: alice" {
		t.Errorf("text = %v", content["text"])
	}
}
