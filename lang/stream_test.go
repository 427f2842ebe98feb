package lang

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"edusandbox/model"
)

func TestServeStream(t *testing.T) {
	var in bytes.Buffer
	for _, cmd := range []model.Command{
		{Type: model.TypeInit},
		{Type: model.TypeRunCode, MessageID: "r1", Code: "print('hi')"},
	} {
		frame, err := model.EncodeCommand(cmd)
		if err != nil {
			t.Fatal(err)
		}
		in.Write(frame)
		in.WriteString("\n")
	}
	in.WriteString("garbage\n")

	var out bytes.Buffer
	if err := ServeStream(context.Background(), &in, &out, Options{}); err != nil {
		t.Fatalf("ServeStream: %v", err)
	}

	var types []model.MessageType
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		msg, err := model.DecodeMessage([]byte(line))
		if err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		types = append(types, msg.Type)
	}
	want := []model.MessageType{model.TypeInitReady, model.TypeStdout, model.TypeExecutionComplete}
	if len(types) != len(want) {
		t.Fatalf("got %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("message %d = %s, want %s", i, types[i], want[i])
		}
	}
}
